package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ylcn91/agentctl/internal/capability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchUnknownMessageType(t *testing.T) {
	r := New(testLogger())
	if _, err := r.Dispatch(context.Background(), &capability.Capability{}, "conn-1", "nope", nil); err == nil {
		t.Fatal("expected error for unregistered message type")
	}
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	r := New(testLogger())
	r.Register("ping", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		return "pong", nil
	})

	reply, err := r.Dispatch(context.Background(), &capability.Capability{}, "conn-1", "ping", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "pong" {
		t.Errorf("reply = %v, want pong", reply)
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	r := New(testLogger())
	r.Register("boom", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		panic("kaboom")
	})

	_, err := r.Dispatch(context.Background(), &capability.Capability{}, "conn-1", "boom", nil)
	if err == nil {
		t.Fatal("expected panic to be converted into an error")
	}
}

type createTaskRequest struct {
	Title string `json:"title" validate:"required"`
}

func TestDispatchValidatesPayloadBeforeHandler(t *testing.T) {
	r := New(testLogger())
	r.RegisterValidated("create_task",
		func() any { return &createTaskRequest{} },
		func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
			var req createTaskRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				t.Fatalf("unexpected unmarshal error: %v", err)
			}
			return req.Title, nil
		})

	if _, err := r.Dispatch(context.Background(), &capability.Capability{}, "conn-1", "create_task", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation error for missing required field")
	}

	reply, err := r.Dispatch(context.Background(), &capability.Capability{}, "conn-1", "create_task", json.RawMessage(`{"title":"ship it"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "ship it" {
		t.Errorf("reply = %v, want %q", reply, "ship it")
	}
}

func TestRegisteredReportsKnownMessageTypes(t *testing.T) {
	r := New(testLogger())
	if r.Registered("ping") {
		t.Error("expected ping to be unregistered initially")
	}
	r.Register("ping", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		return nil, nil
	})
	if !r.Registered("ping") {
		t.Error("expected ping to be registered")
	}
}
