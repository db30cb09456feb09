package channel

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestChannel_SendRecv(t *testing.T) {
	ch := New(7)
	defer ch.Close()

	if ch.ID() != 7 {
		t.Errorf("ID() = %d, want 7", ch.ID())
	}

	// Application writes appear on the tunnel endpoint in order.
	if err := ch.Send([]byte("hello ")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := ch.Send([]byte("world")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	buf := make([]byte, 64)
	var got []byte
	for len(got) < len("hello world") {
		n, err := ch.TunnelEndpoint().Read(buf)
		if err != nil {
			t.Fatalf("tunnel read error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "hello world" {
		t.Errorf("tunnel endpoint read %q, want %q", got, "hello world")
	}
}

func TestChannel_SmallReads(t *testing.T) {
	ch := New(1)
	defer ch.Close()

	if _, err := ch.TunnelEndpoint().Write([]byte("abcdef")); err != nil {
		t.Fatalf("tunnel write error: %v", err)
	}

	// Reads smaller than the written chunk keep the remainder pending.
	var got []byte
	buf := make([]byte, 2)
	for len(got) < 6 {
		n, err := ch.Recv(buf)
		if err != nil {
			t.Fatalf("Recv() error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abcdef" {
		t.Errorf("Recv() total = %q, want %q", got, "abcdef")
	}
}

func TestChannel_DrainBeforeEOF(t *testing.T) {
	ch := New(3)

	want := bytes.Repeat([]byte("x"), 10)
	for i := 0; i < 10; i++ {
		if _, err := ch.TunnelEndpoint().Write([]byte("x")); err != nil {
			t.Fatalf("tunnel write error: %v", err)
		}
	}

	// Closing must not discard buffered data.
	ch.Close()

	got, err := io.ReadAll(appReader{ch})
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %q, want %q", got, want)
	}
}

// appReader adapts Recv for io.ReadAll.
type appReader struct {
	ch *Channel
}

func (r appReader) Read(p []byte) (int, error) {
	return r.ch.Recv(p)
}

func TestChannel_WriteAfterClose(t *testing.T) {
	ch := New(4)
	ch.Close()

	if err := ch.Send([]byte("late")); err != io.ErrClosedPipe {
		t.Errorf("Send() after close = %v, want io.ErrClosedPipe", err)
	}
	if _, err := ch.TunnelEndpoint().Write([]byte("late")); err != io.ErrClosedPipe {
		t.Errorf("tunnel Write() after close = %v, want io.ErrClosedPipe", err)
	}
}

func TestChannel_CloseIdempotent(t *testing.T) {
	ch := New(5)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if !ch.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	select {
	case <-ch.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}

func TestChannel_EndpointCloseTearsDownChannel(t *testing.T) {
	ch := New(6)
	app := ch.Application()

	if err := app.Close(); err != nil {
		t.Fatalf("endpoint Close() error: %v", err)
	}
	if !ch.IsClosed() {
		t.Error("closing an endpoint must close the channel")
	}
}

func TestChannel_Counters(t *testing.T) {
	ch := New(8)
	defer ch.Close()

	app := ch.Application()

	if _, err := app.Write([]byte("12345")); err != nil {
		t.Fatalf("app write error: %v", err)
	}
	if _, err := ch.TunnelEndpoint().Write([]byte("abc")); err != nil {
		t.Fatalf("tunnel write error: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := app.Read(buf); err != nil {
		t.Fatalf("app read error: %v", err)
	}

	if ch.TxBytes() != 5 {
		t.Errorf("TxBytes() = %d, want 5", ch.TxBytes())
	}
	if ch.RxBytes() != 3 {
		t.Errorf("RxBytes() = %d, want 3", ch.RxBytes())
	}
}

func TestChannel_ReadUnblocksOnClose(t *testing.T) {
	ch := New(9)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := ch.Recv(buf)
		errCh <- err
	}()

	// Give the reader time to block.
	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Errorf("Recv() after close = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv() did not unblock on close")
	}
}

func TestChannel_EndpointsAreStable(t *testing.T) {
	ch := New(11)
	defer ch.Close()

	// Endpoint accessors hand out the same instance every time, so callers
	// on hot paths don't allocate a wrapper per frame.
	if ch.TunnelEndpoint() != ch.TunnelEndpoint() {
		t.Error("TunnelEndpoint() returned different instances")
	}
	if ch.Application() != ch.Application() {
		t.Error("Application() returned different instances")
	}
}

func TestChannel_NotifyRemoteFlag(t *testing.T) {
	ch := New(10)
	defer ch.Close()

	if ch.NotifyRemote() {
		t.Error("NotifyRemote() = true before set")
	}
	ch.SetNotifyRemote(true)
	if !ch.NotifyRemote() {
		t.Error("NotifyRemote() = false after set")
	}
}
