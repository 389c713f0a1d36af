package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newPromoteCommand() *cobra.Command {
	var (
		adminAddr string
		partition int32
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Ask a running promoter to promote itself to leader of a partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			url := fmt.Sprintf("http://%s/v1/partitions/%d/promote", adminAddr, partition)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				return err
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach promoter: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			var pretty map[string]interface{}
			if json.Unmarshal(body, &pretty) == nil {
				if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
					body = out
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("promotion failed: %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin", "localhost:8090", "admin HTTP address of the promoter")
	cmd.Flags().Int32Var(&partition, "partition", 0, "partition to promote")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}
