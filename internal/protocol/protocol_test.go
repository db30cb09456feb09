package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMsgTypeString(t *testing.T) {
	tests := []struct {
		msgType MsgType
		want    string
	}{
		{MsgControl, "CONTROL"},
		{MsgData, "DATA"},
		{MsgOpenChannel, "OPEN_CHANNEL"},
		{MsgCloseChannel, "CLOSE_CHANNEL"},
		{MsgType(0xFF), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.msgType.String(); got != tt.want {
			t.Errorf("MsgType(%d).String() = %s, want %s", tt.msgType, got, tt.want)
		}
	}
}

func TestMsgTypeValid(t *testing.T) {
	for _, mt := range []MsgType{MsgControl, MsgData, MsgOpenChannel, MsgCloseChannel} {
		if !mt.Valid() {
			t.Errorf("MsgType(%d).Valid() = false, want true", mt)
		}
	}
	if MsgType(0x04).Valid() {
		t.Error("MsgType(0x04).Valid() = true, want false")
	}
}

func TestFrame_EncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "empty body",
			frame: Frame{
				Type:      MsgOpenChannel,
				ChannelID: 42,
				Body:      []byte{},
			},
		},
		{
			name: "with body",
			frame: Frame{
				Type:      MsgData,
				ChannelID: 12345,
				Body:      []byte("Hello, World!"),
			},
		},
		{
			name: "max channel id",
			frame: Frame{
				Type:      MsgCloseChannel,
				ChannelID: ^uint16(0),
				Body:      []byte{},
			},
		},
		{
			name: "max chunk body",
			frame: Frame{
				Type:      MsgData,
				ChannelID: 1,
				Body:      bytes.Repeat([]byte{0xAB}, MaxChunkSize),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.frame.Encode()
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}

			if decoded.Type != tt.frame.Type {
				t.Errorf("Type = %v, want %v", decoded.Type, tt.frame.Type)
			}
			if decoded.ChannelID != tt.frame.ChannelID {
				t.Errorf("ChannelID = %d, want %d", decoded.ChannelID, tt.frame.ChannelID)
			}
			if !bytes.Equal(decoded.Body, tt.frame.Body) {
				t.Errorf("Body = %x, want %x", decoded.Body, tt.frame.Body)
			}
		})
	}
}

func TestFrame_EncodeWireFormat(t *testing.T) {
	frame := Frame{
		Type:      MsgData,
		ChannelID: 0x1234,
		Body:      []byte("hello"),
	}

	want := []byte{0x01, 0x12, 0x34, 0x00, 0x00, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}
	if got := frame.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = %x, want %x", got, want)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{
			name:    "short header",
			buf:     []byte{0x01, 0x00, 0x01},
			wantErr: ErrInvalidFrame,
		},
		{
			name:    "unknown type",
			buf:     []byte{0x07, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
			wantErr: ErrUnknownFrameType,
		},
		{
			name:    "length mismatch",
			buf:     []byte{0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 'h', 'i'},
			wantErr: ErrInvalidFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.buf); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameReader_ReadSequence(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	frames := []Frame{
		{Type: MsgOpenChannel, ChannelID: 1, Body: nil},
		{Type: MsgData, ChannelID: 1, Body: []byte("first")},
		{Type: MsgData, ChannelID: 2, Body: []byte("second")},
		{Type: MsgCloseChannel, ChannelID: 1, Body: nil},
	}

	for i := range frames {
		if err := fw.Write(&frames[i]); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.Read()
		if err != nil {
			t.Fatalf("Read() frame %d error: %v", i, err)
		}
		if got.Type != want.Type || got.ChannelID != want.ChannelID {
			t.Errorf("frame %d = (%v, %d), want (%v, %d)",
				i, got.Type, got.ChannelID, want.Type, want.ChannelID)
		}
		if !bytes.Equal(got.Body, want.Body) && len(want.Body) > 0 {
			t.Errorf("frame %d body = %q, want %q", i, got.Body, want.Body)
		}
	}

	if _, err := fr.Read(); err != io.EOF {
		t.Errorf("Read() after last frame = %v, want io.EOF", err)
	}
}

func TestFrameReader_Truncated(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		fr := NewFrameReader(bytes.NewReader([]byte{0x01, 0x00, 0x03}))
		if _, err := fr.Read(); !errors.Is(err, ErrTruncated) {
			t.Errorf("Read() error = %v, want ErrTruncated", err)
		}
	})

	t.Run("short body", func(t *testing.T) {
		// Header announces 1000 body bytes; only 500 arrive before EOF.
		frame := Frame{Type: MsgData, ChannelID: 3, Body: make([]byte, 1000)}
		encoded := frame.Encode()
		fr := NewFrameReader(bytes.NewReader(encoded[:HeaderSize+500]))
		if _, err := fr.Read(); !errors.Is(err, ErrTruncated) {
			t.Errorf("Read() error = %v, want ErrTruncated", err)
		}
	})

	t.Run("unknown type is not truncation", func(t *testing.T) {
		fr := NewFrameReader(bytes.NewReader([]byte{0x09, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
		_, err := fr.Read()
		if !errors.Is(err, ErrUnknownFrameType) {
			t.Errorf("Read() error = %v, want ErrUnknownFrameType", err)
		}
		if errors.Is(err, ErrTruncated) {
			t.Error("Read() error should not be ErrTruncated")
		}
	})
}

func TestFrameWriter_SingleWrite(t *testing.T) {
	// Each frame must land in one Write call so a mutex around Write is
	// enough to keep frames from interleaving.
	w := &writeCounter{}
	fw := NewFrameWriter(w)

	if err := fw.WriteFrame(MsgData, 7, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	if w.calls != 1 {
		t.Errorf("write calls = %d, want 1", w.calls)
	}
}

type writeCounter struct {
	calls int
}

func (w *writeCounter) Write(p []byte) (int, error) {
	w.calls++
	return len(p), nil
}
