package ledger

import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed council.abi.json
var councilABIJSON string

// CouncilABI describes the events and view functions of the task contract.
var CouncilABI = mustParseABI(councilABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
