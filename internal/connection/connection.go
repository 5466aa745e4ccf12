// Package connection implements the per-connection state machine from
// spec.md §4.4 (component C4): it owns a connection's crypto tunnel,
// packet framer, call vector and event queue, and is the only place
// outgoing wire messages are built and written.
package connection

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/djthinksource/splonebox-core/internal/codec"
	"github.com/djthinksource/splonebox-core/internal/equeue"
	"github.com/djthinksource/splonebox-core/internal/framing"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

// CallInfo tracks one outbound request this connection is waiting on a
// correlated Response for (spec.md §3's Connection data model, §4.4's
// send_request/wait-for-response primitive). It is pushed onto a
// Connection's call vector when the request is sent and resolved
// exactly once: either by a Response whose msgid matches it, or by the
// connection closing/erroring out from under it.
type CallInfo struct {
	MsgID uint32

	done chan struct{}
	once sync.Once

	HasResponse   bool
	ErrorResponse bool
	Response      any
}

func newCallInfo(msgID uint32) *CallInfo {
	return &CallInfo{MsgID: msgID, done: make(chan struct{})}
}

func (ci *CallInfo) resolve(response any, isError bool) {
	ci.once.Do(func() {
		ci.Response = response
		ci.ErrorResponse = isError
		ci.HasResponse = true
		close(ci.done)
	})
}

// Wait blocks until ci is resolved by a matching Response, by the
// owning connection tearing down, or by ctx being cancelled.
func (ci *CallInfo) Wait(ctx context.Context) error {
	select {
	case <-ci.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection is one accepted transport connection together with its
// crypto tunnel and RPC bookkeeping.
type Connection struct {
	id   uint64
	conn net.Conn

	tun    *tunnel.Tunnel
	framer *framing.Framer
	queue  *equeue.Queue

	refcount int32

	mu           sync.Mutex
	closed       bool
	pluginKey    string
	callVector   []*CallInfo // LIFO of outbound requests awaiting a Response
	nextOwnMsgID uint32
	onZeroRef    func()
}

// New wraps an accepted net.Conn in a Connection. The connection
// starts with a single implicit reference, released by the engine
// once its reader goroutine observes EOF or an error.
func New(id uint64, nc net.Conn, tun *tunnel.Tunnel, queue *equeue.Queue) *Connection {
	return &Connection{
		id:       id,
		conn:     nc,
		tun:      tun,
		framer:   framing.New(),
		queue:    queue,
		refcount: 1,
	}
}

// ID returns the connection's process-wide id.
func (c *Connection) ID() uint64 { return c.id }

// Tunnel exposes the connection's crypto tunnel for the engine's
// handshake and record handling.
func (c *Connection) Tunnel() *tunnel.Tunnel { return c.tun }

// Framer exposes the connection's packet framer for the engine's read
// loop.
func (c *Connection) Framer() *framing.Framer { return c.framer }

// Queue returns the connection's deferred-handler FIFO.
func (c *Connection) Queue() *equeue.Queue { return c.queue }

// PluginKey returns the plugin-key this connection's peer presented
// during the crypto handshake, or "" before Established.
func (c *Connection) PluginKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pluginKey
}

// SetPluginKey records the plugin-key derived from this connection's
// handshake.
func (c *Connection) SetPluginKey(key string) {
	c.mu.Lock()
	c.pluginKey = key
	c.mu.Unlock()
}

// SetOnZeroRef registers the callback DecRef runs the moment the
// connection's reference count reaches zero. The engine uses this to
// centralize registry/queue teardown regardless of which goroutine's
// DecRef happens to be the last one.
func (c *Connection) SetOnZeroRef(fn func()) {
	c.mu.Lock()
	c.onZeroRef = fn
	c.mu.Unlock()
}

// PushCallInfo pushes a freshly issued CallInfo onto the call vector.
func (c *Connection) PushCallInfo(ci *CallInfo) {
	c.mu.Lock()
	c.callVector = append(c.callVector, ci)
	c.mu.Unlock()
}

// ResolveTop resolves the topmost CallInfo with response/isError if
// its msgid matches msgID, popping it off the vector, and reports
// whether it matched. A non-matching or empty vector leaves the call
// vector untouched and returns false, per spec.md §4.4's rule that
// only the most recently issued call may be resolved by an incoming
// Response.
func (c *Connection) ResolveTop(msgID uint32, response any, isError bool) bool {
	c.mu.Lock()
	n := len(c.callVector)
	if n == 0 || c.callVector[n-1].MsgID != msgID {
		c.mu.Unlock()
		return false
	}
	ci := c.callVector[n-1]
	c.callVector = c.callVector[:n-1]
	c.mu.Unlock()

	ci.resolve(response, isError)
	return true
}

// FailAllCallInfos resolves every outstanding CallInfo on this
// connection as errored and empties the call vector, per spec.md §4.4:
// closing a connection (or a mismatched Response) drains and fails
// every call still waiting on it.
func (c *Connection) FailAllCallInfos() {
	c.mu.Lock()
	pending := c.callVector
	c.callVector = nil
	c.mu.Unlock()

	for _, ci := range pending {
		ci.resolve(nil, true)
	}
}

// CallDepth reports how many requests this connection has outstanding
// on its call vector, for the monitor dashboard.
func (c *Connection) CallDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callVector)
}

// IncRef adds a reference to the connection.
func (c *Connection) IncRef() {
	atomic.AddInt32(&c.refcount, 1)
}

// DecRef removes a reference. If this was the last reference, it
// invokes the registered onZeroRef callback (if any) before returning
// true.
func (c *Connection) DecRef() bool {
	zero := atomic.AddInt32(&c.refcount, -1) == 0
	if zero {
		c.mu.Lock()
		fn := c.onZeroRef
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return zero
}

// RefCount reports the current reference count, for the monitor
// dashboard and for the invariant that it never goes negative.
func (c *Connection) RefCount() int32 {
	return atomic.LoadInt32(&c.refcount)
}

// Close closes the underlying transport. It is idempotent: unlike the
// original implementation's bug of leaving the closed flag unset on
// the first call, every call after the first is a deliberate no-op
// (SPEC_FULL.md §6).
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// rawWrite writes pre-framed bytes (a handshake packet) directly to
// the transport, bypassing the crypto tunnel's record encryption.
func (c *Connection) rawWrite(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

// sendMessage encrypts and frames a codec payload and writes it to
// the transport. It is the single choke point every outbound RPC
// message passes through once the tunnel is established.
func (c *Connection) sendMessage(payload []byte) error {
	record, err := c.tun.EncryptWrite(payload)
	if err != nil {
		return err
	}
	return c.rawWrite(record)
}

// DeliverRequest implements dispatch.Conn: it sends this connection a
// Request with the given msgid, method and params (used by run to
// hand a call to its target).
func (c *Connection) DeliverRequest(msgID uint64, method string, params []any) error {
	payload, err := codec.EncodeRequest(&codec.Request{
		MsgID:  uint32(msgID),
		Method: method,
		Params: params,
	})
	if err != nil {
		return err
	}
	return c.sendMessage(payload)
}

// DeliverResult implements dispatch.Conn: it sends this connection a
// successful Response for msgid (used to forward a result verb back
// to the plugin that originally called run).
func (c *Connection) DeliverResult(msgID uint64, result any) error {
	payload, err := codec.EncodeResponse(&codec.Response{MsgID: uint32(msgID), Result: result})
	if err != nil {
		return err
	}
	return c.sendMessage(payload)
}

// DeliverError implements dispatch.Conn: it sends this connection a
// failing Response for msgid.
func (c *Connection) DeliverError(msgID uint64, errVal any) error {
	payload, err := codec.EncodeResponse(&codec.Response{MsgID: uint32(msgID), Error: errVal})
	if err != nil {
		return err
	}
	return c.sendMessage(payload)
}

// SendResponse replies to a Request this connection sent to the
// broker directly (register/result/error's own synchronous replies).
func (c *Connection) SendResponse(msgID uint32, result any, errVal any) error {
	payload, err := codec.EncodeResponse(&codec.Response{MsgID: msgID, Result: result, Error: errVal})
	if err != nil {
		return err
	}
	return c.sendMessage(payload)
}

// NextOwnMsgID draws the next msgid this connection should use when it
// is the one issuing a Request.
func (c *Connection) NextOwnMsgID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOwnMsgID++
	return c.nextOwnMsgID
}

// SendRequest implements spec.md §4.4's send_request: it assigns this
// connection its own next msgid, pushes a CallInfo onto the call
// vector, encrypt-writes a Request, and blocks the calling goroutine
// (deliberately NOT the engine's Run goroutine — see internal/dispatch
// and Engine.handleResponse) until a matching Response arrives, ctx is
// cancelled, or the connection tears down and fails every outstanding
// CallInfo.
func (c *Connection) SendRequest(ctx context.Context, method string, params []any) (*CallInfo, error) {
	c.IncRef()
	defer c.DecRef()

	msgID := c.NextOwnMsgID()
	ci := newCallInfo(msgID)
	c.PushCallInfo(ci)

	payload, err := codec.EncodeRequest(&codec.Request{MsgID: msgID, Method: method, Params: params})
	if err != nil {
		c.ResolveTop(msgID, nil, true)
		return ci, err
	}
	if err := c.sendMessage(payload); err != nil {
		c.ResolveTop(msgID, nil, true)
		return ci, err
	}

	if err := ci.Wait(ctx); err != nil {
		return ci, err
	}
	return ci, nil
}
