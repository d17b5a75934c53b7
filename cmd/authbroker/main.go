// Package main starts the identity broker process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	authbrokercmd "github.com/louisbranch/authbroker/internal/cmd/authbroker"
	"github.com/louisbranch/authbroker/internal/platform/config"
)

func main() {
	cfg, err := authbrokercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := authbrokercmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
