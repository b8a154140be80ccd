// reconx - modular reconnaissance orchestrator
//
// Runs every plugin found in the plugin directory against a target,
// validates their findings and stores them in SQLite:
//
//	reconx init
//	reconx scan example.com
//	reconx export --format csv --out findings.csv
//	reconx list-plugins
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const appName = "reconx"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		stop()
		os.Exit(1)
	}
}
