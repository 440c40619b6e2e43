// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/chunktransfer/chunktransfer/internal/client"
	"github.com/chunktransfer/chunktransfer/internal/config"
	"github.com/chunktransfer/chunktransfer/internal/logging"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "health" {
		runHealthCheck(os.Args[2:])
		return
	}

	configPath := flag.String("config", "/etc/chunktransfer/client.yaml", "path to client config file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	c, err := client.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize client", "error", err)
		os.Exit(1)
	}

	if err := c.SendAll(context.Background()); err != nil {
		logger.Error("transfer failed", "error", err)
		os.Exit(1)
	}
}

func runHealthCheck(args []string) {
	configPath := "/etc/chunktransfer/client.yaml"
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config for health check: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	c, err := client.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing client: %v\n", err)
		os.Exit(1)
	}

	resp, err := c.Ping(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("status=%d disk_free=%d\n", resp.Status, resp.DiskFree)
}
