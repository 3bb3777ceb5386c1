// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

package ctl

import "github.com/spf13/cobra"

var leaveCmd = &cobra.Command{
	Use:   "leave <name>",
	Short: "Remove a peer from the local views, or pass the node's own name to tear the node down. Idempotent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON("POST", "/v1/leave", peerRequest{Name: args[0]}, nil); err != nil {
			return Errf("leave: %s", err)
		}
		cmd.Println("left", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(leaveCmd)
}
