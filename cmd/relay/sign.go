package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calehh/council-relay/crypto"
)

type signArguments struct {
	Skey    string
	Task    uint64
	Content string
}

var signArgs signArguments

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a deliberation message for a task",
	Args:  cobra.NoArgs,
	RunE:  signRun,
}

func init() {
	skeyFlag(signCmd, &signArgs.Skey)
	signCmd.Flags().Uint64VarP(&signArgs.Task, "task", "t", 0, "task id")
	signCmd.Flags().StringVarP(&signArgs.Content, "content", "c", "", "message content")
	_ = signCmd.MarkFlagRequired("content")
}

func signRun(cmd *cobra.Command, args []string) error {
	pv, err := crypto.LoadFilePV(signArgs.Skey)
	if err != nil {
		return err
	}
	sig, err := pv.SignDeliberation(signArgs.Task, signArgs.Content)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	fmt.Printf("payload: %q\n", crypto.DeliberationPayload(signArgs.Task, signArgs.Content))
	fmt.Println("address:", pv.Address().Hex())
	fmt.Println("signature:", sig)
	return nil
}
