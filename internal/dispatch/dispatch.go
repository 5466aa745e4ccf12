// Package dispatch implements the RPC method table and the four
// built-in verbs from spec.md §4.5 (component C5): register, run,
// result and error. It depends only on narrow interfaces so that
// internal/connection (C4), which owns the concrete connection type,
// can satisfy them without an import cycle.
package dispatch

import (
	"strings"

	"github.com/djthinksource/splonebox-core/internal/apierror"
	"github.com/djthinksource/splonebox-core/internal/codec"
)

// MaxPluginKeyLen is the exact length, in printable characters, of a
// plugin-key (PLUGINKEY_STRING_SIZE-1 in the original implementation).
const MaxPluginKeyLen = 64

// Conn is the subset of a connection's behavior the built-in verbs
// need: reading/learning its own plugin-key, and delivering queued
// outbound messages on the connection's behalf.
type Conn interface {
	ID() uint64
	SetPluginKey(key string)
	PluginKey() string

	DeliverRequest(msgID uint64, method string, params []any) error
	DeliverResult(msgID uint64, result any) error
	DeliverError(msgID uint64, errVal any) error
}

// Resolver is the subset of the process-wide registry the built-in
// verbs need.
type Resolver interface {
	ResolveByPluginKey(key string) (Conn, bool)
	NextCallID() (uint64, error)
	RecordCaller(callID uint64, callerPluginKey string)
	TakeCaller(callID uint64) (string, bool)

	// RegisterMeta records the business metadata a plugin announces via
	// register, once its own arity/type validation succeeds. This is
	// the built-in verb's api_register collaborator: the broker
	// embedding the table decides what, if anything, to do with it.
	RegisterMeta(pluginKey, name, description, author, license string, functions []any)
}

// Handler is a built-in or registered verb implementation.
type Handler func(self Conn, res Resolver, params []any) (result any, err error)

// Entry is one row of the dispatch table.
type Entry struct {
	Name    string
	Handler Handler
	// Async marks verbs whose handler runs inline on the same call that
	// decoded the request, rather than being deferred to the
	// connection's event queue (component C7) and drained afterward.
	// Per spec.md §4.5, all four built-in verbs are async. A response
	// to the caller's own msgid is produced either way; Async only
	// governs inline-vs-queued invocation.
	Async bool
}

// Table is the method name to Entry dispatch table.
type Table map[string]Entry

// NewTable returns a Table pre-populated with the four built-in
// verbs every connection supports.
func NewTable() Table {
	return Table{
		"register": {Name: "register", Handler: handleRegister, Async: true},
		"run":      {Name: "run", Handler: handleRun, Async: true},
		"result":   {Name: "result", Handler: handleResult, Async: true},
		"error":    {Name: "error", Handler: handleError, Async: true},
	}
}

func normalizePluginKey(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", apierror.New(apierror.Validation, "plugin-key: expected string, got %T", v)
	}
	if len(s) != MaxPluginKeyLen {
		return "", apierror.New(apierror.Validation, "plugin-key: length %d, want exactly %d", len(s), MaxPluginKeyLen)
	}
	return strings.ToUpper(s), nil
}

func asMetaArray(v any, field string, arity int) ([]any, error) {
	meta, ok := v.([]any)
	if !ok {
		return nil, apierror.New(apierror.Validation, "%s: expected array, got %T", field, v)
	}
	if len(meta) != arity {
		return nil, apierror.New(apierror.Validation, "%s: expected %d elements, got %d", field, arity, len(meta))
	}
	return meta, nil
}

// handleRegister implements register(meta, functions), where
// meta=[name, description, author, license]: the connection's
// plugin-key is taken from its own crypto identity (bound by the
// tunnel handshake, not supplied as an argument), and the announced
// metadata is handed to api_register.
func handleRegister(self Conn, res Resolver, params []any) (any, error) {
	if len(params) != 2 {
		return nil, apierror.New(apierror.Validation, "register: expected 2 arguments, got %d", len(params))
	}
	meta, err := asMetaArray(params[0], "register: meta", 4)
	if err != nil {
		return nil, err
	}
	fields := make([]string, 4)
	names := [4]string{"name", "description", "author", "license"}
	for i, v := range meta {
		s, ok := v.(string)
		if !ok {
			return nil, apierror.New(apierror.Validation, "register: meta[%s]: expected string, got %T", names[i], v)
		}
		fields[i] = s
	}
	functions, ok := params[1].([]any)
	if !ok {
		return nil, apierror.New(apierror.Validation, "register: functions: expected array, got %T", params[1])
	}

	pluginKey := self.PluginKey()
	if pluginKey == "" {
		return nil, apierror.New(apierror.Protocol, "register: no plugin-key bound to this connection")
	}

	res.RegisterMeta(pluginKey, fields[0], fields[1], fields[2], fields[3], functions)
	return nil, nil
}

// handleRun implements run(meta, function_name, args), where
// meta=[targetpluginkey, nil]: it looks up the target connection,
// allocates a call-id, records who is owed the eventual result, and
// delivers a request to the target.
func handleRun(self Conn, res Resolver, params []any) (any, error) {
	if len(params) != 3 {
		return nil, apierror.New(apierror.Validation, "run: expected 3 arguments, got %d", len(params))
	}
	meta, err := asMetaArray(params[0], "run: meta", 2)
	if err != nil {
		return nil, err
	}
	if meta[1] != nil {
		return nil, apierror.New(apierror.Validation, "run: meta[1]: expected nil, got %T", meta[1])
	}
	targetKey, err := normalizePluginKey(meta[0])
	if err != nil {
		return nil, err
	}
	method, ok := params[1].(string)
	if !ok {
		return nil, apierror.New(apierror.Validation, "run: function_name: expected string, got %T", params[1])
	}
	args, ok := params[2].([]any)
	if !ok {
		return nil, apierror.New(apierror.Validation, "run: args: expected array, got %T", params[2])
	}

	target, ok := res.ResolveByPluginKey(targetKey)
	if !ok {
		return nil, apierror.New(apierror.Validation, "run: no connection registered for plugin-key %s", targetKey)
	}

	callID, err := res.NextCallID()
	if err != nil {
		return nil, apierror.New(apierror.Resource, "run: allocate call-id: %v", err)
	}
	res.RecordCaller(callID, self.PluginKey())

	if err := target.DeliverRequest(callID, method, args); err != nil {
		res.TakeCaller(callID)
		return nil, apierror.New(apierror.Transport, "run: deliver to %s: %v", targetKey, err)
	}

	return callID, nil
}

// handleResult implements result(meta, args), where meta=[callid]: the
// broker looks up which connection is owed callid's result and
// forwards args to it. An unknown or already-resolved callid is a
// validation error, not a silent success — result must not be usable
// to probe or double-fulfill a call.
func handleResult(self Conn, res Resolver, params []any) (any, error) {
	if len(params) != 2 {
		return nil, apierror.New(apierror.Validation, "result: expected 2 arguments, got %d", len(params))
	}
	meta, err := asMetaArray(params[0], "result: meta", 1)
	if err != nil {
		return nil, err
	}
	callID, err := codec.AsUint64(meta[0], "result: meta[0]: callid")
	if err != nil {
		return nil, err
	}
	args, ok := params[1].([]any)
	if !ok {
		return nil, apierror.New(apierror.Validation, "result: args: expected array, got %T", params[1])
	}

	callerKey, ok := res.TakeCaller(callID)
	if !ok {
		return nil, apierror.New(apierror.Validation, "result: unknown or already-resolved callid %d", callID)
	}

	caller, ok := res.ResolveByPluginKey(callerKey)
	if !ok {
		// The caller disconnected before its result arrived; the
		// callid mapping is already gone, so there is nothing left to
		// deliver, but that is not itself a validation failure.
		return nil, nil
	}
	if err := caller.DeliverResult(callID, args); err != nil {
		return nil, apierror.New(apierror.Transport, "result: deliver to %s: %v", callerKey, err)
	}
	return nil, nil
}

// handleError implements error(...): a no-op handler. It exists so the
// dispatch table has somewhere to route protocol-level error replies
// and unknown-method substitution without those paths needing a
// special case of their own; it performs no side effects.
func handleError(self Conn, res Resolver, params []any) (any, error) {
	return nil, nil
}
