package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/janitor"
)

func cleanupCmd() *cobra.Command {
	var (
		all    bool
		maxAge time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale job work directories",
		Long: "Removes work directories older than --max-age. With --all every work\n" +
			"directory is removed; only run that while the server is stopped.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(false)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-age") {
				maxAge = cfg.CleanupMaxAge
			}

			j := janitor.New(cfg.WorkDir(), maxAge, nil, log)
			if all {
				n, err := j.WipeAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d work directories\n", n)
				return nil
			}

			rep, err := j.Sweep()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale work directories\n", rep.Removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every work directory regardless of age")
	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "remove directories older than this (default CLEANUP_MAX_AGE)")
	return cmd
}
