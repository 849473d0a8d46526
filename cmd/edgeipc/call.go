package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/edgeipc/internal/ipc"
	"github.com/spf13/cobra"
)

func newCallCmd(flags *rootFlags) *cobra.Command {
	var connectTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <resource> [json-body]",
		Short: "Send one request to a server endpoint and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := flags.endpoint(cmd)
			if err != nil {
				return err
			}
			var body json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("request body is not valid JSON")
				}
				body = json.RawMessage(args[1])
			}

			client := ipc.NewClient(ep.IPC())
			defer client.Stop()

			ctx := cmd.Context()
			if err := client.AwaitConnection(ctx, connectTimeout); err != nil {
				return err
			}
			out, err := client.Request(ctx, args[0], body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 5*time.Second, "how long to wait for the server")
	return cmd
}
