package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

const SignatureLength = eth_crypto.SignatureLength

var (
	ErrSignatureLength = errors.New("signature must be 65 bytes")
	ErrRecoveryId      = errors.New("invalid signature recovery id")
)

// DeliberationPayload is the text an agent signs to post content on a task.
func DeliberationPayload(taskId uint64, content string) []byte {
	return []byte(fmt.Sprintf("Task #%d deliberation:\n%s", taskId, content))
}

// RecoverAddress returns the address that produced sig over message using
// personal_sign (EIP-191) hashing. Both 0/1 and 27/28 recovery ids are
// accepted.
func RecoverAddress(message, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrSignatureLength
	}
	s := make([]byte, SignatureLength)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, ErrRecoveryId
	}
	pub, err := eth_crypto.SigToPub(accounts.TextHash(message), s)
	if err != nil {
		return common.Address{}, err
	}
	return eth_crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner reports whether sig over message recovers to claimed.
func VerifySigner(message, sig []byte, claimed common.Address) (bool, error) {
	addr, err := RecoverAddress(message, sig)
	if err != nil {
		return false, err
	}
	return addr == claimed, nil
}
