package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current wire version
	// v1: JSON envelopes, optional LZ4 compression, optional sealed payloads
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	headerSize = 4 + 3
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: compression
	FlagEncrypted  = 0x02 // Bit 1: payload sealed by the connection cipher
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion       = errors.New("invalid protocol version")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one length-prefixed unit on the wire. Every frame carries exactly
// one envelope, so a reader never has to guess where a message ends.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8
	Type    uint8 // envelope command code
	Flags   uint8
	Payload []byte
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// MarshalFrame renders a frame into its wire bytes, compressing payloads of at
// least CompressionThreshold bytes when that saves space.
func MarshalFrame(f *Frame) ([]byte, error) {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(3 + len(payload))
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = flags
	copy(buf[headerSize:], payload)
	return buf, nil
}

// EncodeFrame writes a frame to w with a single Write call, so message
// oriented transports (WebSocket) see one frame per message.
func EncodeFrame(w io.Writer, f *Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from r.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	// version + type + flags
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if body[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	frame := &Frame{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
		Payload: body[3:],
	}

	if frame.Flags&FlagCompressed != 0 && len(frame.Payload) > 0 {
		decompressed, err := DecompressPayload(frame.Payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = decompressed
		frame.Flags &^= FlagCompressed
	}

	return frame, nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
