// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath  string
	probeTicks  int
	probeFormat string

	rootCmd = &cobra.Command{
		Use:           "tether",
		Short:         "Keep a lightweight hold on a host window and scrape its report text",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the scrape loop and serve the heartbeat until interrupted",
		RunE:  runRunCommand, // Defined in cmd_run.go
	}

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Run a fixed number of ticks and print each payload",
		RunE:  runProbeCommand, // Defined in cmd_run.go
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and print the effective values",
		RunE:  runConfigCheck, // Defined in cmd_config.go
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE:  runConfigInit, // Defined in cmd_config.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tether.yaml", "path to the configuration file")

	probeCmd.Flags().IntVarP(&probeTicks, "ticks", "n", 3, "number of ticks to run")
	probeCmd.Flags().StringVar(&probeFormat, "format", "text", "output format: text or json")

	configCmd.AddCommand(configCheckCmd, configInitCmd)
	rootCmd.AddCommand(runCmd, probeCmd, configCmd, versionCmd)
}
