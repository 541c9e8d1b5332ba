// Package dispatch implements C2, the Handler Dispatcher: a table keyed by
// message-type string, plus the fixed precedence order spec §4.2 mandates
// for every inbound envelope.
//
// The switch-then-lookup shape is grounded in the teacher's rpc request
// router (internal/rpc/server.go's handleRequest, since deleted but cited
// here for grounding): resolve an operation by its string name, enforce
// auth, invoke, translate the result into the wire reply.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/auth"
	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// HandlerFunc implements one message type's request/response logic. It
// returns the response body (marshaled by the caller into an Envelope) or
// an error, which AsStatus maps to a wire.Status.
type HandlerFunc func(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error)

// Handler pairs a HandlerFunc with the metadata the dispatcher needs to
// enforce auth before ever calling it.
type Handler struct {
	Fn           HandlerFunc
	AuthRequired auth.Requirement
	ResourceType string
	Action       auth.Action
}

// Table is the message-type -> Handler registry. Not safe for concurrent
// registration; register everything once at server startup, then only read
// concurrently from Dispatch.
type Table struct {
	handlers map[string]Handler
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds msgType to h, overwriting any previous binding.
func (t *Table) Register(msgType string, h Handler) {
	t.handlers[msgType] = h
}

// Dispatcher routes inbound envelopes per spec §4.2's fixed precedence:
// connection-setup splice, response-drop, unknown-type rejection, auth
// enforcement, handler invocation.
type Dispatcher struct {
	table *Table
	conns *connregistry.Registry
	ev    auth.Evaluator
}

// New builds a Dispatcher over table, using conns to splice setup metadata
// and ev to enforce each handler's auth requirement.
func New(table *Table, conns *connregistry.Registry, ev auth.Evaluator) *Dispatcher {
	if ev == nil {
		ev = auth.NoAuth{}
	}
	return &Dispatcher{table: table, conns: conns, ev: ev}
}

// Dispatch routes one inbound envelope for connID, returning the envelope
// to send back to the client (nil if nothing should be sent, e.g. a
// dropped Response acknowledgement).
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, env *wire.Envelope) *wire.Envelope {
	msgType := env.Metadata.Type

	// Precedence 1: connection setup splices metadata directly, bypassing
	// the handler table entirely.
	if msgType == wire.TypeConnectionSetupRequest {
		return d.handleSetup(connID, env)
	}

	// Precedence 2: a client's acknowledgement of a server push carries a
	// "...Response" type with no reply expected.
	if strings.HasSuffix(msgType, "Response") {
		return nil
	}

	conn := d.conns.Get(connID)
	if conn == nil {
		return errorEnvelope(env, wire.NewStatus(wire.CodeUnavailable, "connection %s is no longer registered", connID))
	}

	// Precedence 3: unknown type is a hard client error.
	h, ok := d.table.handlers[msgType]
	if !ok {
		return errorEnvelope(env, wire.NewStatus(wire.CodeParameterInvalid, "unknown message type %q", msgType))
	}

	// Precedence 4: enforce auth per the handler's declared requirement.
	if st := auth.Enforce(d.ev, conn, h.AuthRequired, h.ResourceType, resourceIDFor(env), h.Action); st != nil {
		return errorEnvelope(env, st)
	}

	// Precedence 5: invoke and translate.
	result, err := h.Fn(ctx, conn, env)
	if err != nil {
		return errorEnvelope(env, wire.AsStatus(err))
	}

	reply, encErr := wire.NewRequest(env.RequestID, responseTypeFor(msgType), result)
	if encErr != nil {
		return errorEnvelope(env, wire.NewStatus(wire.CodeServerError, "%v", encErr))
	}
	return reply
}

func (d *Dispatcher) handleSetup(connID string, env *wire.Envelope) *wire.Envelope {
	var args wire.ConnectionSetupArgs
	if err := env.Decode(&args); err != nil {
		return errorEnvelope(env, wire.NewStatus(wire.CodeParameterInvalid, "malformed connection setup: %v", err))
	}
	d.conns.Touch(connID, args.ClientVersion, args.Labels, time.Now())

	reply, err := wire.NewRequest(env.RequestID, wire.TypeConnectionSetupResponse, struct{}{})
	if err != nil {
		return errorEnvelope(env, wire.NewStatus(wire.CodeServerError, "%v", err))
	}
	return reply
}

// responseTypeFor derives "<Type minus Request suffix>Response" for the
// handful of message families that follow the Request/Response naming
// convention; types already following a different convention (pushes) are
// expected to set their own reply type inside the handler's result, which
// is out of scope for this helper and handled by the caller's wiring.
func responseTypeFor(requestType string) string {
	if strings.HasSuffix(requestType, "Request") {
		return strings.TrimSuffix(requestType, "Request") + "Response"
	}
	return requestType + "Response"
}

// resourceIDFor extracts the resource identifier (namespace, typically)
// auth checks key permissions on. Best-effort: falls back to empty string
// for message types with no natural single resource.
func resourceIDFor(env *wire.Envelope) string {
	var probe struct {
		Namespace string `json:"namespace"`
	}
	if err := env.Decode(&probe); err != nil {
		return ""
	}
	return probe.Namespace
}

func errorEnvelope(req *wire.Envelope, st *wire.Status) *wire.Envelope {
	reply, err := wire.NewRequest(req.RequestID, req.Metadata.Type+"Error", st)
	if err != nil {
		// Marshaling a Status can't realistically fail; fall back to a bare
		// envelope carrying no body rather than panicking the caller.
		return &wire.Envelope{RequestID: req.RequestID, Metadata: wire.Metadata{Type: "DispatchError"}}
	}
	return reply
}
