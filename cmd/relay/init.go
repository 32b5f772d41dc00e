package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/calehh/council-relay/config"
	"github.com/calehh/council-relay/crypto"
)

const agentKeyName = "agent_key"

type printInfo struct {
	Home         string `json:"home"`
	ConfigFile   string `json:"config_file"`
	Contract     string `json:"contract_address"`
	RpcUrl       string `json:"rpc_url"`
	AgentKey     string `json:"agent_key,omitempty"`
	AgentAddress string `json:"agent_address,omitempty"`
}

func displayInfo(info printInfo) error {
	out, err := json.MarshalIndent(info, "", " ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stderr, "%s\n", out)
	return err
}

type initArguments struct {
	Contract  string
	RpcUrl    string
	ChainId   uint64
	Overwrite bool
	GenKey    bool
}

var initArgs initArguments

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.toml under the relay home",
	Args:  cobra.NoArgs,
	RunE:  initRun,
}

func init() {
	initCmd.Flags().StringVarP(&initArgs.Contract, "contract", "c", "", "task contract address")
	initCmd.Flags().StringVarP(&initArgs.RpcUrl, "rpc-url", "r", "", "ledger RPC endpoint")
	initCmd.Flags().Uint64Var(&initArgs.ChainId, "chain-id", 0, "expected chain id, 0 skips the check")
	initCmd.Flags().BoolVarP(&initArgs.Overwrite, "overwrite", "o", false, "overwrite an existing config.toml")
	initCmd.Flags().BoolVar(&initArgs.GenKey, "gen-key", false, "also generate an agent signing key")
}

func initRun(cmd *cobra.Command, args []string) error {
	home := homeDir(cmd)
	cfg := config.DefaultConfig(home)
	if initArgs.Contract != "" {
		if !common.IsHexAddress(initArgs.Contract) {
			return fmt.Errorf("contract %q is not an address", initArgs.Contract)
		}
		cfg.ContractAddress = initArgs.Contract
	}
	if initArgs.RpcUrl != "" {
		cfg.RpcUrl = initArgs.RpcUrl
	}
	cfg.ChainId = initArgs.ChainId

	cfgFile := config.ConfigFilePath(home)
	if _, err := os.Stat(cfgFile); err == nil && !initArgs.Overwrite {
		return fmt.Errorf("%s already exists, use --overwrite to replace it", cfgFile)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := config.WriteConfigFile(cfgFile, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	info := printInfo{
		Home:       home,
		ConfigFile: cfgFile,
		Contract:   cfg.ContractAddress,
		RpcUrl:     cfg.RpcUrl,
	}
	if initArgs.GenKey {
		pv, err := crypto.GeneratePV()
		if err != nil {
			return err
		}
		keyFile := filepath.Join(home, "config", agentKeyName)
		if err := pv.Save(keyFile); err != nil {
			return fmt.Errorf("failed to save agent key: %w", err)
		}
		info.AgentKey = keyFile
		info.AgentAddress = pv.Address().Hex()
	}
	return displayInfo(info)
}
