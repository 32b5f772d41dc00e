package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calehh/council-relay/agent"
	"github.com/calehh/council-relay/crypto"
)

type discussionArguments struct {
	Url     string
	Skey    string
	Task    uint64
	Content string
	NoSend  bool
}

var discussionArgs discussionArguments

var discussionCmd = &cobra.Command{
	Use:   "discussion",
	Short: "Sign and post a deliberation message to a relay",
	Args:  cobra.NoArgs,
	RunE:  discussionRun,
}

func init() {
	urlFlag(discussionCmd, &discussionArgs.Url)
	skeyFlag(discussionCmd, &discussionArgs.Skey)
	discussionCmd.Flags().Uint64VarP(&discussionArgs.Task, "task", "t", 0, "task id")
	discussionCmd.Flags().StringVarP(&discussionArgs.Content, "content", "c", "", "message content")
	discussionCmd.Flags().BoolVarP(&discussionArgs.NoSend, "nosend", "", false, "print the signature without posting")
	_ = discussionCmd.MarkFlagRequired("content")
}

func discussionRun(cmd *cobra.Command, args []string) error {
	pv, err := crypto.LoadFilePV(discussionArgs.Skey)
	if err != nil {
		return err
	}
	sig, err := pv.SignDeliberation(discussionArgs.Task, discussionArgs.Content)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	fmt.Println("address:", pv.Address().Hex())
	if discussionArgs.NoSend {
		fmt.Println("signature:", sig)
		return nil
	}
	cli, err := agent.NewClient(discussionArgs.Url)
	if err != nil {
		return err
	}
	msg, err := cli.PostMessage(cmd.Context(), discussionArgs.Task, pv.Address().Hex(), discussionArgs.Content, sig)
	if err != nil {
		return err
	}
	dat, _ := json.Marshal(msg)
	fmt.Println(string(dat))
	return nil
}
