// Command sb-monitor runs the broker exactly like sb-broker, but
// additionally attaches the operator dashboard (internal/monitor) to
// its connection engine when standard output is a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/djthinksource/splonebox-core/internal/broker"
	"github.com/djthinksource/splonebox-core/internal/config"
	"github.com/djthinksource/splonebox-core/internal/keys"
	"github.com/djthinksource/splonebox-core/internal/logging"
	"github.com/djthinksource/splonebox-core/internal/monitor"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sb-monitor:", err)
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

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(ctx)
	}()

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		log.Debugf("stdout is not a terminal, running headless")
		return <-serveErr
	}

	prog := tea.NewProgram(monitor.New(srv.Engine()), tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		prog.Quit()
	}()

	if _, err := prog.Run(); err != nil {
		cancel()
		<-serveErr
		return fmt.Errorf("dashboard: %w", err)
	}

	cancel()
	return <-serveErr
}
