// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

package ctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var partitionCmd = &cobra.Command{
	Use:   "partition <peer>",
	Short: "Simulate a network partition against a peer by dropping traffic to it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON("POST", fmt.Sprintf("/v1/partitions/%s", args[0]), nil, nil); err != nil {
			return Errf("partition: %s", err)
		}
		cmd.Println("partitioned", args[0])
		return nil
	},
}

var healCmd = &cobra.Command{
	Use:   "heal <peer>",
	Short: "Remove a previously injected partition against a peer.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON("DELETE", fmt.Sprintf("/v1/partitions/%s", args[0]), nil, nil); err != nil {
			return Errf("heal: %s", err)
		}
		cmd.Println("healed", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(partitionCmd, healCmd)
}
