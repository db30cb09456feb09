package server

import (
	"net"
	"testing"

	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/tunnel"
)

func newTestTunnel(t *testing.T) *tunnel.Tunnel {
	t.Helper()
	c1, c2 := net.Pipe()
	tn := tunnel.New(c1, tunnel.Options{Metrics: metrics.New()})
	peer := tunnel.New(c2, tunnel.Options{Metrics: metrics.New()})
	t.Cleanup(func() {
		tn.Close()
		peer.Close()
	})
	return tn
}

func TestIDAllocator_Monotonic(t *testing.T) {
	tn := newTestTunnel(t)
	var a idAllocator

	for want := uint16(0); want < 5; want++ {
		id, err := a.next(tn)
		if err != nil {
			t.Fatalf("next() error: %v", err)
		}
		if id != want {
			t.Errorf("next() = %d, want %d", id, want)
		}
	}
}

func TestIDAllocator_SkipsOpenIDs(t *testing.T) {
	tn := newTestTunnel(t)
	var a idAllocator

	// Occupy the ids the allocator would hand out next.
	for id := uint16(0); id < 3; id++ {
		if _, err := tn.OpenChannel(id, false, true); err != nil {
			t.Fatalf("OpenChannel(%d) error: %v", id, err)
		}
	}

	id, err := a.next(tn)
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}
	if id != 3 {
		t.Errorf("next() = %d, want 3", id)
	}
}

func TestIDAllocator_ReusesClosedIDs(t *testing.T) {
	tn := newTestTunnel(t)
	a := idAllocator{}

	if _, err := tn.OpenChannel(0, false, true); err != nil {
		t.Fatalf("OpenChannel error: %v", err)
	}
	if err := tn.CloseChannel(0, false, true); err != nil {
		t.Fatalf("CloseChannel error: %v", err)
	}

	id, err := a.next(tn)
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}
	if id != 0 {
		t.Errorf("next() = %d, want reuse of closed id 0", id)
	}
}

func TestIDAllocator_WrapsAround(t *testing.T) {
	tn := newTestTunnel(t)
	a := idAllocator{counter: ^uint16(0)}

	id, err := a.next(tn)
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}
	if id != ^uint16(0) {
		t.Fatalf("next() = %d, want %d", id, ^uint16(0))
	}

	id, err = a.next(tn)
	if err != nil {
		t.Fatalf("next() after wrap error: %v", err)
	}
	if id != 0 {
		t.Errorf("next() after wrap = %d, want 0", id)
	}
}
