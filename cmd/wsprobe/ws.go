// File: cmd/wsprobe/ws.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/client"
	"github.com/momentics/hioload-pipeline/protocol"
	"github.com/momentics/hioload-pipeline/session"
)

func newWSCmd(flags *globalFlags) *cobra.Command {
	var (
		messages []string
		binary   bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ws URL",
		Short: "Open a WebSocket, send messages, print the replies and close with 1000",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, cleanup, err := setup(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			c, err := client.New(cfg, client.Options{Logger: log})
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := session.From(cmd.Context()).WithTimeout(timeout)
			defer ctx.Release()

			ch, err := c.Connect(ctx, args[0], nil)
			if err != nil {
				return err
			}
			ft := api.FrameText
			if binary {
				ft = api.FrameBinary
			}
			out := cmd.OutOrStdout()
			for _, m := range messages {
				if err := ch.SendFrame(ctx, ft, []byte(m)); err != nil {
					return err
				}
				if err := printReply(ctx, ch, out); err != nil {
					return err
				}
			}
			return ch.CloseSocket(ctx, protocol.CloseNormalClosure, "")
		},
	}
	cmd.Flags().StringArrayVarP(&messages, "send", "s", nil, "message to send, repeatable")
	cmd.Flags().BoolVar(&binary, "binary", false, "send binary frames")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "session deadline")
	return cmd
}

// printReply prints frames until one completes a message.
func printReply(ctx *session.Context, ch api.Channel, out io.Writer) error {
	for {
		ft, p, err := ch.ReceiveFrame(ctx)
		if err != nil {
			return err
		}
		if ft == api.FrameClosed {
			status, reason, _ := protocol.ParseClosePayload(p)
			return fmt.Errorf("peer closed the channel: %d %s", status, reason)
		}
		if _, err := out.Write(p); err != nil {
			return err
		}
		if !ft.IsFragment() {
			_, err := fmt.Fprintln(out)
			return err
		}
	}
}
