package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/sessionstore/internal/store"
)

func newProbeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the durable backend is reachable",
		Long:  "Connects to the configured durable backend with the configured retries. Exits non-zero if the store would fall back to memory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()
			if e.cfg.Backend == store.BackendMemory {
				return fmt.Errorf("no durable backend configured")
			}
			facade, err := e.buildFacade(cmd.Context())
			if err != nil {
				return err
			}
			defer facade.Close(context.Background())

			stats := facade.Stats()
			if asJSON {
				data, _ := json.MarshalIndent(stats, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "backend: %s\nstore: %s\n", e.cfg.Backend, stats.StoreType)
			}
			if stats.StoreType != string(store.KindDurable) {
				return fmt.Errorf("durable backend %s unavailable: %s", e.cfg.Backend, stats.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the store stats as JSON")
	return cmd
}
