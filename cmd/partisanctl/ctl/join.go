// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

package ctl

import (
	"strings"

	"github.com/spf13/cobra"
)

type peerRequest struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs"`
}

var joinCmd = &cobra.Command{
	Use:   "join <name> <addr>[,<addr>...]",
	Short: "Join the cluster through a peer.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := peerRequest{Name: args[0], Addrs: strings.Split(args[1], ",")}
		if err := doJSON("POST", "/v1/join", req, nil); err != nil {
			return Errf("join: %s", err)
		}
		cmd.Println("joined", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
