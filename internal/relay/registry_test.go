package relay

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testSession() *Session {
	return NewSession(Options{
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: testMetrics,
		CallSid: "CA1",
	})
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	s := testSession()

	if err := r.Put("CA1", s); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := r.Get("CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != s {
		t.Fatal("Get() returned a different session")
	}

	if err := r.Put("CA1", testSession()); !errors.Is(err, ErrCallDuplicate) {
		t.Fatalf("duplicate Put() error = %v, want ErrCallDuplicate", err)
	}

	r.Remove("CA1")
	if _, err := r.Get("CA1"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Get() after Remove error = %v, want ErrCallNotFound", err)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	s := testSession()
	tr := newFakeTransport()
	s.AttachCaller(tr)
	if err := r.Put("CA1", s); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	r.CloseAll()

	if !tr.Closed() {
		t.Fatal("session transport not closed by CloseAll")
	}
	if _, err := r.Get("CA1"); !errors.Is(err, ErrCallNotFound) {
		t.Fatal("registry not emptied by CloseAll")
	}
}
