// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

package ctl

import "github.com/spf13/cobra"

type nodeView struct {
	Name  string   `json:"Name"`
	Addrs []string `json:"Addrs"`
}

type memberView struct {
	Active  []nodeView `json:"active"`
	Passive []nodeView `json:"passive"`
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Print the node's Active and Passive views.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var view memberView
		if err := doJSON("GET", "/v1/members", nil, &view); err != nil {
			return Errf("members: %s", err)
		}
		cmd.Println("active:")
		for _, p := range view.Active {
			cmd.Printf("  %s %v\n", p.Name, p.Addrs)
		}
		cmd.Println("passive:")
		for _, p := range view.Passive {
			cmd.Printf("  %s %v\n", p.Name, p.Addrs)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(membersCmd)
}
