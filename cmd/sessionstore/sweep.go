package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/szaher/sessionstore/internal/cleanup"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup sweep and print what was removed",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()
			ctx := cmd.Context()
			facade, err := e.buildFacade(ctx)
			if err != nil {
				return err
			}
			defer facade.Close(context.Background())

			opts := e.cleanupOptions()
			sched, err := cleanup.New(facade, opts)
			if err != nil {
				return err
			}

			sweepCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
			report, err := sched.RunOnce(sweepCtx)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store: %s\n", facade.StoreType())
			names := make([]string, 0, len(report.Removed))
			for name := range report.Removed {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%-22s %d\n", name, report.Removed[name])
			}
			fmt.Fprintf(out, "total: %d\n", report.Total())
			return err
		},
	}
}
