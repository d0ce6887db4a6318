// File: cmd/wsprobe/get.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/client"
	"github.com/momentics/hioload-pipeline/session"
)

func newGetCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		headers []string
		include bool
	)
	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Send a GET request through the pipeline and print the body",
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
			req, err := api.NewRequest(http.MethodGet, args[0], nil)
			if err != nil {
				return err
			}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("header %q: want Name: value", h)
				}
				req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}

			ctx := session.From(cmd.Context())
			if timeout > 0 {
				ctx = ctx.WithTimeout(timeout)
				defer ctx.Release()
			}
			resp, err := c.Do(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if include {
				fmt.Fprintln(out, resp.Status())
				_ = resp.Header.Write(out)
				fmt.Fprintln(out)
			}
			_, err = out.Write(resp.Body)
			return err
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "overall deadline including retries")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header, repeatable")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "print status line and headers")
	return cmd
}
