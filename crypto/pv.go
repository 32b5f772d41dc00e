package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

// PV is an agent key used to sign deliberation messages.
type PV struct {
	privateKey *ecdsa.PrivateKey
}

func NewPV(key *ecdsa.PrivateKey) *PV {
	return &PV{privateKey: key}
}

func GeneratePV() (*PV, error) {
	key, err := eth_crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewPV(key), nil
}

// LoadFilePV reads a hex encoded secp256k1 private key, with or without 0x.
func LoadFilePV(keyFilePath string) (*PV, error) {
	raw, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	key, err := eth_crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("reading private key from %v: %w", keyFilePath, err)
	}
	return NewPV(key), nil
}

func (k *PV) Save(keyFilePath string) error {
	return os.WriteFile(keyFilePath, []byte(common.Bytes2Hex(eth_crypto.FromECDSA(k.privateKey))), 0600)
}

func (k *PV) Address() common.Address {
	return eth_crypto.PubkeyToAddress(k.privateKey.PublicKey)
}

// Sign produces a personal_sign signature with a 27/28 recovery id, the form
// wallets hand out.
func (k *PV) Sign(message []byte) ([]byte, error) {
	sig, err := eth_crypto.Sign(accounts.TextHash(message), k.privateKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (k *PV) SignDeliberation(taskId uint64, content string) (string, error) {
	sig, err := k.Sign(DeliberationPayload(taskId, content))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}
