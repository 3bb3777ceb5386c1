// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

package main

import "go.ciq.dev/partisan/cmd/partisanctl/ctl"

func main() {
	ctl.Execute()
}
