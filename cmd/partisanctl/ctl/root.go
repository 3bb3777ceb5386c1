// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

// Package ctl implements partisanctl, the operator CLI that drives a
// running node's control API, the same way ctrliq-beskar's beskarctl
// drives a running registry's admin endpoints.
package ctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "partisanctl",
	Short: "Operations related to a partisan cluster node.",
}

const FlagNameSocket = "socket"

// RegisterFlags registers the flags common to every subcommand.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String(FlagNameSocket, "", "Path to the node's control unix socket.")
}

// Socket returns the control socket path from the command line.
func Socket() string {
	sock, err := rootCmd.Flags().GetString(FlagNameSocket)
	if err != nil || sock == "" {
		rootCmd.PrintErrln("missing --socket flag")
		os.Exit(1)
	}
	return sock
}

func init() {
	RegisterFlags(rootCmd)
}

// Execute runs the root command with every subcommand registered by
// this package's init functions.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
