// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

// Command partisand runs one partisan cluster node: it loads the node
// configuration, builds the membership/registry/dispatch/transport
// stack and serves it until terminated, the same top-level shape as
// ctrliq-beskar's cmd/beskar daemon.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"syscall"

	"go.ciq.dev/partisan/internal/pkg/config"
	"go.ciq.dev/partisan/internal/pkg/node"
	"go.ciq.dev/partisan/pkg/sighandler"
)

func main() {
	partisandCmd := flag.NewFlagSet("partisand", flag.ExitOnError)
	dir := partisandCmd.String("config-dir", "", "configuration directory")

	if err := partisandCmd.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	configDir := ""
	if dir != nil {
		configDir = *dir
	}

	cfg, err := config.Parse(configDir)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := cfg.Log.Logger(nil)
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(logger)

	tlsServer, err := cfg.TLS.ServerConfig()
	if err != nil {
		log.Fatal(err)
	}
	tlsClient, err := cfg.TLS.ClientConfig()
	if err != nil {
		log.Fatal(err)
	}

	n, err := node.New(cfg, tlsServer, tlsClient)
	if err != nil {
		log.Fatal(err)
	}

	errCh := make(chan error, 1)
	ctx, wait := sighandler.New(errCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		errCh <- n.Serve(ctx)
	}()

	logger.Info("partisan: node started", "name", n.Self().Name, "addrs", n.Self().Addrs)

	if err := wait(false); err != nil {
		logger.Error("partisan: node exited", "error", err)
		os.Exit(1)
	}
}
