// Package broker wires the crypto tunnel, framer, dispatch table and
// connection engine into a listening server (spec.md §5, "External
// Interfaces") and exposes a small programmatic API for embedding the
// broker's register/run/result verbs without going through the wire
// protocol (spec.md §4.5 DefaultAPI, recorded in SPEC_FULL.md §5).
package broker

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/djthinksource/splonebox-core/internal/config"
	"github.com/djthinksource/splonebox-core/internal/connection"
	"github.com/djthinksource/splonebox-core/internal/dispatch"
	"github.com/djthinksource/splonebox-core/internal/logging"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

// API is the programmatic equivalent of the three built-in RPC verbs
// a plugin normally reaches over the wire, for tools (the monitor, an
// in-process test harness) that want to act on the broker's state
// directly.
type API interface {
	// Register announces a plugin's metadata for the connection's
	// already-bound plugin-key (set by the crypto handshake), as if
	// that connection had sent a register request.
	Register(connID uint64, name, description, author, license string, functions []any) error
	// Run dispatches a call to targetPluginKey as if callerPluginKey's
	// connection had sent a run request, and returns the allocated
	// call-id.
	Run(callerPluginKey, targetPluginKey, method string, args []any) (callID uint64, err error)
	// Result fulfils callID with a value, as if the connection owing
	// that result had sent a result request.
	Result(connID uint64, callID uint64, value any) error
}

// DefaultAPI is the Engine-backed implementation of API.
type DefaultAPI struct {
	engine *connection.Engine
	table  dispatch.Table
}

// NewDefaultAPI wraps an Engine.
func NewDefaultAPI(e *connection.Engine) *DefaultAPI {
	return &DefaultAPI{engine: e, table: dispatch.NewTable()}
}

func (a *DefaultAPI) connByID(connID uint64) (*connection.Connection, error) {
	c, ok := a.engine.Registry().Connections.Get(connID)
	if !ok {
		return nil, fmt.Errorf("broker: no connection %d", connID)
	}
	return c, nil
}

func (a *DefaultAPI) Register(connID uint64, name, description, author, license string, functions []any) error {
	c, err := a.connByID(connID)
	if err != nil {
		return err
	}
	meta := []any{name, description, author, license}
	_, err = a.table["register"].Handler(c, a.engine.Resolver(), []any{meta, functions})
	return err
}

func (a *DefaultAPI) Run(callerPluginKey, targetPluginKey, method string, args []any) (uint64, error) {
	caller, ok := a.engine.Registry().ResolveByPluginKey(callerPluginKey)
	if !ok {
		return 0, fmt.Errorf("broker: no connection registered for plugin-key %s", callerPluginKey)
	}
	meta := []any{targetPluginKey, nil}
	result, err := a.table["run"].Handler(caller, a.engine.Resolver(), []any{meta, method, args})
	if err != nil {
		return 0, err
	}
	callID, _ := result.(uint64)
	return callID, nil
}

func (a *DefaultAPI) Result(connID uint64, callID uint64, value any) error {
	c, err := a.connByID(connID)
	if err != nil {
		return err
	}
	meta := []any{callID}
	_, err = a.table["result"].Handler(c, a.engine.Resolver(), []any{meta, []any{value}})
	return err
}

// Server listens for plugin connections and drives the connection
// engine's single event loop, the periodic minute-key rotation, and
// (through errgroup) reports the first failure of either.
type Server struct {
	cfg    *config.Config
	engine *connection.Engine
	log    logging.Logger
}

// New constructs a Server. longTerm is the broker's long-term
// identity, loaded by internal/keys.
func New(cfg *config.Config, longTerm tunnel.LongTerm, log logging.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: connection.NewEngine(longTerm, log),
		log:    log,
	}
}

// Engine exposes the underlying connection engine, for the monitor
// dashboard and for building a DefaultAPI.
func (s *Server) Engine() *connection.Engine { return s.engine }

// ListenAndServe listens on the configured address, bounds concurrent
// connections with netutil.LimitListener, and runs the accept loop,
// the connection engine, and minute-key rotation under a shared
// errgroup until ctx is cancelled or any of them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("broker: accept: %w", err)
			}
			s.log.Debugf("accepted connection from %s", nc.RemoteAddr())
			s.engine.Accept(nc)
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.MinuteKeyPeriod)
		defer ticker.Stop()
		tick := make(chan struct{})
		go func() {
			for range ticker.C {
				select {
				case tick <- struct{}{}:
				case <-gctx.Done():
					return
				}
			}
		}()
		return s.engine.Run(gctx, tick)
	})

	err = g.Wait()
	if err != nil && gctx.Err() != nil {
		return nil
	}
	return err
}
