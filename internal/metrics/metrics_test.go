package metrics

import (
	"strings"
	"testing"
)

func TestRecordAndRender(t *testing.T) {
	m := New()

	m.RecordChannelOpen()
	m.RecordChannelOpen()
	m.RecordChannelClose()
	m.RecordFrameSent("DATA", 100)
	m.RecordFrameReceived("OPEN_CHANNEL", 0)
	m.RecordSOCKS5Start()
	m.RecordDialError()
	m.RecordBadRequest()
	m.RecordTunnelFailure("truncated")

	out, err := m.Render()
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	wantLines := []string{
		"tunnelbana_channels_open 1",
		"tunnelbana_channels_opened_total 2",
		"tunnelbana_channels_closed_total 1",
		`tunnelbana_frames_sent_total{frame_type="DATA"} 1`,
		"tunnelbana_bytes_sent_total 100",
		"tunnelbana_socks5_sessions_active 1",
		"tunnelbana_socks5_dial_errors_total 1",
		"tunnelbana_socks5_bad_requests_total 1",
		`tunnelbana_tunnel_failures_total{reason="truncated"} 1`,
	}
	for _, want := range wantLines {
		if !strings.Contains(out, want) {
			t.Errorf("Render() output missing %q", want)
		}
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() must return the same instance")
	}
}

func TestRenderWithoutRegistry(t *testing.T) {
	m := NewWithRegistry(nil)
	out, err := m.Render()
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if out != "" {
		t.Errorf("Render() on external registerer = %q, want empty", out)
	}
}
