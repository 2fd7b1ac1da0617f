// Package main runs the embers admin CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/embers/internal/cmd/embersctl"
	"github.com/louisbranch/embers/internal/platform/config"
)

func main() {
	cfg, err := embersctl.ParseConfig()
	if err != nil {
		config.Exitf("parse config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := embersctl.NewRoot(cfg).ExecuteContext(ctx); err != nil {
		stop()
		config.Exitf("%v", err)
	}
}
