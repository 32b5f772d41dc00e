package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/calehh/council-relay/agent"
)

type tasksArguments struct {
	Url string
}

var tasksArgs tasksArguments

var tasksCmd = &cobra.Command{
	Use:   "tasks [id]",
	Short: "Query tasks cached by a relay",
	Args:  cobra.MaximumNArgs(1),
	RunE:  tasksRun,
}

func init() {
	urlFlag(tasksCmd, &tasksArgs.Url)
}

func tasksRun(cmd *cobra.Command, args []string) error {
	cli, err := agent.NewClient(tasksArgs.Url)
	if err != nil {
		return err
	}
	var res interface{}
	if len(args) == 1 {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		res, err = cli.Task(cmd.Context(), id)
		if err != nil {
			return err
		}
	} else {
		res, err = cli.Tasks(cmd.Context())
		if err != nil {
			return err
		}
	}
	dat, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(dat))
	return nil
}
