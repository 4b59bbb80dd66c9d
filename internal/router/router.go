// Package router implements the daemon's request dispatch table (spec
// §1 "request router & handler registry"). Grounded on gateway.go's
// case-dispatch, generalized per spec §9's design note into a static
// map[string]Handler keyed by message type rather than a switch.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/ylcn91/agentctl/internal/capability"
	"github.com/ylcn91/agentctl/internal/herr"
)

// Handler processes one decoded request payload and returns the reply
// payload (or an error, classified via herr and written back as an
// error frame by the caller).
type Handler func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error)

// entry pairs a handler with an optional struct to validate the
// request payload against before invoking it.
type entry struct {
	handler Handler
	newReq  func() any // returns a pointer to a zero value of the request struct, or nil if unvalidated
}

// Router is the daemon's static handler table.
type Router struct {
	handlers map[string]entry
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs an empty router.
func New(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]entry),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Register adds a handler for messageType with no request validation.
func (r *Router) Register(messageType string, h Handler) {
	r.handlers[messageType] = entry{handler: h}
}

// RegisterValidated adds a handler for messageType whose payload is
// unmarshaled into newReq()'s result and struct-tag validated (via
// go-playground/validator tags) before h runs.
func (r *Router) RegisterValidated(messageType string, newReq func() any, h Handler) {
	r.handlers[messageType] = entry{handler: h, newReq: newReq}
}

// Dispatch looks up messageType's handler and invokes it, recovering
// from panics and converting them into herr.Internal (spec §4.2
// "a panic in one handler must not take down the connection or the
// daemon").
func (r *Router) Dispatch(ctx context.Context, cap *capability.Capability, connID, messageType string, payload json.RawMessage) (reply any, err error) {
	e, ok := r.handlers[messageType]
	if !ok {
		return nil, herr.NotFound("no handler registered for message type %q", messageType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic recovered", "message_type", messageType, "conn_id", connID, "panic", rec)
			err = herr.Internal("handler for %q panicked: %v", messageType, rec)
		}
	}()

	if e.newReq != nil {
		req := e.newReq()
		if len(payload) > 0 {
			if jsonErr := json.Unmarshal(payload, req); jsonErr != nil {
				return nil, herr.Validation("malformed payload for %q: %v", messageType, jsonErr)
			}
		}
		if valErr := r.validate.Struct(req); valErr != nil {
			return nil, herr.Validation("invalid payload for %q: %v", messageType, valErr)
		}
		b, marshalErr := json.Marshal(req)
		if marshalErr != nil {
			return nil, herr.Internal("re-marshal validated payload: %v", marshalErr)
		}
		payload = b
	}

	return e.handler(ctx, cap, connID, payload)
}

// Registered reports whether messageType has a registered handler,
// used by health checks and tests.
func (r *Router) Registered(messageType string) bool {
	_, ok := r.handlers[messageType]
	return ok
}
