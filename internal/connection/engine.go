package connection

import (
	"context"
	"net"

	"github.com/djthinksource/splonebox-core/internal/apierror"
	"github.com/djthinksource/splonebox-core/internal/codec"
	"github.com/djthinksource/splonebox-core/internal/dispatch"
	"github.com/djthinksource/splonebox-core/internal/equeue"
	"github.com/djthinksource/splonebox-core/internal/logging"
	"github.com/djthinksource/splonebox-core/internal/registry"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

// readEvent carries one raw read (or the error that ended a
// connection's reader goroutine) into the engine's single event loop.
type readEvent struct {
	conn *Connection
	data []byte
	err  error
}

// resolverAdapter satisfies dispatch.Resolver over the generic
// registry instantiated for *Connection, so internal/dispatch never
// needs to import internal/connection.
type resolverAdapter struct {
	reg *registry.Registry[*Connection]
}

func (r resolverAdapter) ResolveByPluginKey(key string) (dispatch.Conn, bool) {
	c, ok := r.reg.ResolveByPluginKey(key)
	if !ok {
		return nil, false
	}
	return c, true
}

func (r resolverAdapter) NextCallID() (uint64, error) {
	return registry.NextCallID()
}

func (r resolverAdapter) RecordCaller(callID uint64, callerPluginKey string) {
	r.reg.Calls.Set(callID, callerPluginKey)
}

func (r resolverAdapter) TakeCaller(callID uint64) (string, bool) {
	key, ok := r.reg.Calls.Get(callID)
	if ok {
		r.reg.Calls.Delete(callID)
	}
	return key, ok
}

func (r resolverAdapter) RegisterMeta(pluginKey, name, description, author, license string, functions []any) {
	r.reg.RecordMeta(pluginKey, registry.PluginMeta{
		Name:        name,
		Description: description,
		Author:      author,
		License:     license,
		Functions:   functions,
	})
}

// Engine is the single-threaded connection event loop from spec.md's
// concurrency model: every connection's reader goroutine only ever
// pushes raw bytes onto Engine.events, and Run is the sole goroutine
// that parses inbound frames, drives each tunnel's handshake, decrypts
// records and resolves call-vector entries from inbound Responses.
// The registry and call vectors are mutex-guarded and are also written
// elsewhere: Accept registers connections from the accept loop,
// SendRequest pushes CallInfos from its caller's goroutine, and
// teardown runs on whichever goroutine releases the last reference.
type Engine struct {
	registry *registry.Registry[*Connection]
	resolver resolverAdapter
	table    dispatch.Table
	queues   *equeue.Root
	longTerm tunnel.LongTerm
	log      logging.Logger

	events chan readEvent
}

// NewEngine constructs an Engine around a freshly created registry.
func NewEngine(longTerm tunnel.LongTerm, log logging.Logger) *Engine {
	reg := registry.New[*Connection]()
	return &Engine{
		registry: reg,
		resolver: resolverAdapter{reg: reg},
		table:    dispatch.NewTable(),
		queues:   equeue.NewRoot(),
		longTerm: longTerm,
		log:      log,
		events:   make(chan readEvent, 256),
	}
}

// Registry exposes the engine's registry for the monitor dashboard.
func (e *Engine) Registry() *registry.Registry[*Connection] { return e.registry }

// Resolver exposes the engine's dispatch.Resolver adapter so
// internal/broker's DefaultAPI can invoke built-in verbs directly.
func (e *Engine) Resolver() dispatch.Resolver { return e.resolver }

// Accept registers a newly accepted transport connection and starts
// its reader goroutine. It must be called from outside Run's
// goroutine (the broker's accept loop); everything after the first
// raw read happens inside Run.
func (e *Engine) Accept(nc net.Conn) {
	id := e.registry.NextConnectionID()
	tun, err := tunnel.New(e.longTerm)
	if err != nil {
		e.log.Errorf("connection %d: create tunnel: %v", id, err)
		_ = nc.Close()
		return
	}

	c := New(id, nc, tun, e.queues.For(id))
	c.SetOnZeroRef(func() { e.teardown(c) })
	e.registry.RegisterConnection(id, c)

	go e.read(c)
}

func (e *Engine) read(c *Connection) {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.events <- readEvent{conn: c, data: chunk}
		}
		if err != nil {
			e.events <- readEvent{conn: c, err: err}
			return
		}
	}
}

// Run drains read events until ctx is cancelled. It is the only
// goroutine that feeds a Connection's framer, advances its tunnel's
// handshake phase, and resolves its call vector from inbound
// Responses.
func (e *Engine) Run(ctx context.Context, minuteKeyTick <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-minuteKeyTick:
			e.rotateMinuteKeys()
		case ev := <-e.events:
			e.process(ev)
		}
	}
}

func (e *Engine) rotateMinuteKeys() {
	for _, c := range e.registry.Connections.Snapshot() {
		if err := c.Tunnel().RotateMinuteKey(); err != nil {
			e.log.Errorf("connection %d: rotate minute key: %v", c.ID(), err)
		}
	}
}

func (e *Engine) process(ev readEvent) {
	if ev.err != nil {
		e.closeConnection(ev.conn)
		return
	}

	ev.conn.Framer().Fill(ev.data)
	for {
		frame, ok, err := ev.conn.Framer().Next()
		if err != nil {
			e.log.Warnf("connection %d: framing: %v", ev.conn.ID(), err)
			e.closeConnection(ev.conn)
			return
		}
		if !ok {
			break
		}
		if !e.handleFrame(ev.conn, frame.Kind, frame.Payload) {
			return
		}
	}

	ev.conn.Queue().Drain()
}

// handleFrame returns false if the connection was closed while
// handling the frame, so process can stop feeding it further frames.
func (e *Engine) handleFrame(c *Connection, kind byte, payload []byte) bool {
	switch c.Tunnel().Phase() {
	case tunnel.Initial:
		if kind != tunnel.TypeHello {
			e.log.Warnf("connection %d: expected hello, got %q", c.ID(), kind)
			return true
		}
		cookie, err := c.Tunnel().RecvHelloSendCookie(payload)
		if err != nil {
			e.log.Warnf("connection %d: hello rejected: %v", c.ID(), err)
			return true
		}
		if err := c.rawWrite(cookie); err != nil {
			e.log.Warnf("connection %d: write cookie: %v", c.ID(), err)
			e.closeConnection(c)
			return false
		}
		return true

	case tunnel.CookieSent:
		if kind != tunnel.TypeInitiate {
			e.log.Warnf("connection %d: expected initiate, got %q", c.ID(), kind)
			return true
		}
		if err := c.Tunnel().RecvInitiate(payload); err != nil {
			e.log.Warnf("connection %d: initiate rejected: %v", c.ID(), err)
			return true
		}
		// The plugin-key is proof of long-term key possession, derived
		// from the handshake itself (spec.md GLOSSARY) — never from a
		// value the peer hands the broker in an RPC argument.
		pluginKey := c.Tunnel().PluginKey()
		c.SetPluginKey(pluginKey)
		e.registry.BindPluginKey(pluginKey, c.ID())
		return true

	case tunnel.Established:
		if kind != tunnel.TypeMessage {
			e.log.Warnf("connection %d: expected message, got %q", c.ID(), kind)
			return true
		}
		return e.handleRecord(c, payload)

	default:
		e.closeConnection(c)
		return false
	}
}

func (e *Engine) handleRecord(c *Connection, payload []byte) bool {
	rh, err := c.Tunnel().VerifyHeader(payload[:tunnel.RecordHeaderLen])
	if err != nil {
		e.log.Warnf("connection %d: bad record header: %v", c.ID(), err)
		e.closeConnection(c)
		return false
	}
	plaintext, err := c.Tunnel().DecryptRecord(rh, payload[tunnel.RecordHeaderLen:])
	if err != nil {
		e.log.Warnf("connection %d: record decrypt failed: %v", c.ID(), err)
		e.closeConnection(c)
		return false
	}

	msg, err := codec.Decode(plaintext)
	if err != nil {
		e.log.Warnf("connection %d: malformed message: %v", c.ID(), err)
		if sendErr := c.sendMessage(mustEncodeErrorResponse(codec.UnknownMsgID, err.Error())); sendErr != nil {
			e.closeConnection(c)
			return false
		}
		return true
	}

	switch m := msg.(type) {
	case *codec.Request:
		e.handleRequest(c, m)
	case *codec.Response:
		e.handleResponse(c, m)
	}
	return true
}

func mustEncodeErrorResponse(msgid uint32, errMsg string) []byte {
	payload, err := codec.EncodeErrorResponse(msgid, errMsg)
	if err != nil {
		// EncodeErrorResponse only fails if msgpack itself is broken;
		// there is no better fallback than an empty record.
		return nil
	}
	return payload
}

// handleResponse correlates an incoming Response against this
// connection's call vector (spec.md §4.4). A Response whose msgid
// matches the topmost outstanding CallInfo resolves it; any other
// Response — a stale or out-of-order msgid, or one with nothing
// outstanding at all — desyncs the connection's call/response pairing,
// so every CallInfo is failed and the connection is closed (scenario
// S3).
func (e *Engine) handleResponse(c *Connection, resp *codec.Response) {
	isError := resp.Error != nil
	value := resp.Result
	if isError {
		value = resp.Error
	}
	if c.ResolveTop(resp.MsgID, value, isError) {
		return
	}
	e.log.Warnf("connection %d: response msgid %d does not match the outstanding call, closing", c.ID(), resp.MsgID)
	c.FailAllCallInfos()
	e.closeConnection(c)
}

func (e *Engine) handleRequest(c *Connection, req *codec.Request) {
	entry, ok := e.table[req.Method]
	var forcedErr error
	if !ok {
		// Unknown methods are routed through the error handler's no-op
		// body, but still get a structured validation reply on their
		// own msgid (spec.md §4.4, scenario S5).
		entry = e.table["error"]
		forcedErr = apierror.New(apierror.Validation, "could not dispatch method")
	}

	run := func() {
		result, err := entry.Handler(c, e.resolver, req.Params)
		if forcedErr != nil {
			result, err = nil, forcedErr
		}

		var errVal any
		if err != nil {
			result = nil
			errVal = apierror.Payload(err)
		}
		if sendErr := c.SendResponse(req.MsgID, result, errVal); sendErr != nil {
			e.closeConnection(c)
		}
	}

	// Async handlers run inline, on the same call that decoded the
	// request; non-async handlers are deferred to the connection's
	// event queue (component C7) and drained once the current frame
	// batch finishes (spec.md §4.4).
	if !entry.Async {
		c.Queue().Push(run)
		return
	}
	run()
}

// teardown runs once this connection's reference count reaches zero
// from any goroutine's DecRef: it removes the connection from every
// registry table and forgets its event queue. FailAllCallInfos and
// Close already ran from closeConnection by this point (repeating
// them here is a harmless no-op) — teardown only needs to run the
// steps that must wait for every holder of a reference to let go.
func (e *Engine) teardown(c *Connection) {
	pluginKey := c.PluginKey()
	e.registry.ForgetConnection(c.ID(), pluginKey)
	e.queues.Forget(c.ID())
	c.FailAllCallInfos()
	_ = c.Close()
}

// closeConnection ends a connection immediately: it fails every
// CallInfo still waiting on this connection and closes the transport
// before releasing the reader goroutine's own reference, so a
// suspended SendRequest is woken by the EOF/error that killed the
// connection instead of waiting on the refcount it itself holds to
// reach zero (spec.md §4.4 scenario S6).
func (e *Engine) closeConnection(c *Connection) {
	// A connection closed by the engine itself is followed by one more
	// error event from its reader goroutine; its reference was already
	// released the first time.
	if c.Closed() {
		return
	}
	c.FailAllCallInfos()
	_ = c.Close()
	c.DecRef()
}
