package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrTruncated is returned when the transport ends mid-frame
	ErrTruncated = errors.New("truncated frame")
)

// Frame represents a wire protocol frame.
// Header format (7 bytes):
//
//	Type      [1 byte]  - Frame type
//	ChannelID [2 bytes] - Channel identifier (big-endian)
//	Length    [4 bytes] - Body length (big-endian)
type Frame struct {
	Type      MsgType
	ChannelID uint16
	Body      []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Body))

	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], f.ChannelID)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Body)))

	copy(buf[HeaderSize:], f.Body)

	return buf
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (msgType MsgType, channelID uint16, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	msgType = MsgType(buf[0])
	channelID = binary.BigEndian.Uint16(buf[1:3])
	length = binary.BigEndian.Uint32(buf[3:7])

	if !msgType.Valid() {
		return 0, 0, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, buf[0])
	}

	return
}

// Decode deserializes a frame from bytes. The buffer must contain exactly
// one header and its body.
func Decode(buf []byte) (*Frame, error) {
	msgType, channelID, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf)-HeaderSize != int(length) {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d",
			ErrInvalidFrame, len(buf)-HeaderSize, length)
	}

	body := make([]byte, length)
	copy(body, buf[HeaderSize:])

	return &Frame{
		Type:      msgType,
		ChannelID: channelID,
		Body:      body,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, ChannelID=%d, BodyLen=%d}",
		f.Type, f.ChannelID, len(f.Body))
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader, looping over partial reads
// until a full header and body have arrived.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame. A stream that ends mid-header or mid-body
// yields ErrTruncated; an EOF on a frame boundary yields io.EOF.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: short header", ErrTruncated)
		}
		return nil, err
	}

	msgType, channelID, length, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("%w: short body, wanted %d bytes", ErrTruncated, length)
			}
			return nil, err
		}
	}

	return &Frame{
		Type:      msgType,
		ChannelID: channelID,
		Body:      body,
	}, nil
}

// FrameWriter writes frames to an io.Writer. Each frame is emitted with a
// single Write call so that callers serializing on a mutex never interleave
// frame bytes.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	_, err := fw.w.Write(f.Encode())
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(msgType MsgType, channelID uint16, body []byte) error {
	return fw.Write(&Frame{
		Type:      msgType,
		ChannelID: channelID,
		Body:      body,
	})
}
