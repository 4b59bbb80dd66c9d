package wire

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return NewConn(a), NewConn(b)
}

func TestWriteEnvelopeThenReadEnvelopeRoundTrips(t *testing.T) {
	client, server := connPair(t)

	go func() {
		_ = client.WriteEnvelope(Envelope{Type: "create_task", RequestID: "req-1"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := server.ReadEnvelope(ctx)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if env.Type != "create_task" || env.RequestID != "req-1" {
		t.Errorf("env = %+v, want Type=create_task RequestID=req-1", env)
	}
}

func TestReadEnvelopeMalformedFrameDoesNotClose(t *testing.T) {
	client, server := connPair(t)

	go func() {
		_, _ = client.raw.Write([]byte("not json\n"))
		_ = client.WriteEnvelope(Envelope{Type: "ping", RequestID: "req-2"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := server.ReadEnvelope(ctx); err == nil {
		t.Fatal("expected malformed-frame error")
	}

	env, err := server.ReadEnvelope(ctx)
	if err != nil {
		t.Fatalf("ReadEnvelope after malformed frame: %v", err)
	}
	if env.Type != "ping" {
		t.Errorf("Type = %q, want ping", env.Type)
	}
}

func TestReadEnvelopeRespectsContextCancellation(t *testing.T) {
	_, server := connPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := server.ReadEnvelope(ctx); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestWriteErrorWrapsPayload(t *testing.T) {
	client, server := connPair(t)

	go func() {
		_ = client.WriteError("req-3", ErrorPayload{Kind: "validation", Message: "bad input", Retryable: false})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := server.ReadEnvelope(ctx)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if env.Type != "error" || env.RequestID != "req-3" {
		t.Errorf("env = %+v, want Type=error RequestID=req-3", env)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.sock")

	l1, err := Listen(path)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	_ = l1.Close()

	l2, err := Listen(path)
	if err != nil {
		t.Fatalf("second Listen after stale socket: %v", err)
	}
	defer l2.Close()
}
