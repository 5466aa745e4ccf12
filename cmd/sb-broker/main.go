// Command sb-broker runs the splonebox message broker: it loads the
// broker's long-term key material, listens for plugin connections,
// and serves the register/run/result/error RPC verbs over the
// CurveCP-style crypto tunnel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/djthinksource/splonebox-core/internal/broker"
	"github.com/djthinksource/splonebox-core/internal/config"
	"github.com/djthinksource/splonebox-core/internal/keys"
	"github.com/djthinksource/splonebox-core/internal/logging"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sb-broker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Verbose)

	material, err := keys.Load(cfg.KeysDir)
	if err != nil {
		return fmt.Errorf("load key material (run sb-makekey add first?): %w", err)
	}

	lock, err := keys.AcquireLock(cfg.KeysDir)
	if err != nil {
		return fmt.Errorf("acquire keys directory lock: %w", err)
	}
	defer lock.Release()

	longTerm := tunnel.LongTerm{Public: material.PublicKey, Secret: material.SecretKey}
	srv := broker.New(cfg, longTerm, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Debugf("listening on %s (max connections %d)", cfg.ListenAddr, cfg.MaxConnections)
	return srv.ListenAndServe(ctx)
}
