package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name:  "empty payload",
			frame: Frame{Version: ProtocolVersion, Type: uint8(CmdLogout), Payload: []byte{}},
		},
		{
			name:  "with payload",
			frame: Frame{Version: ProtocolVersion, Type: uint8(CmdLogin), Payload: []byte(`{"ID":"10000"}`)},
		},
		{
			name:  "encryption flag set",
			frame: Frame{Version: ProtocolVersion, Type: uint8(CmdChat), Flags: FlagEncrypted, Payload: []byte("sealed bytes")},
		},
		{
			name:  "max payload size (1MB)",
			frame: Frame{Version: ProtocolVersion, Type: uint8(CmdChat), Payload: make([]byte, MaxFrameSize-3)},
		},
		{
			name: "oversized payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    uint8(CmdChat),
				Flags:   FlagCompressed, // skip the compression attempt
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFrameTooLarge)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, len(tt.frame.Payload), len(decoded.Payload))
			assert.True(t, bytes.Equal(tt.frame.Payload, decoded.Payload))
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	header := func(length uint32, version uint8) []byte {
		b := make([]byte, 5)
		binary.BigEndian.PutUint32(b, length)
		b[4] = version
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty input", nil, io.EOF},
		{"short length", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"too large", header(MaxFrameSize+1, ProtocolVersion), ErrFrameTooLarge},
		{"too small", header(2, ProtocolVersion), ErrInvalidFrameLength},
		{"truncated body", append(header(10, ProtocolVersion), 4, 0), io.ErrUnexpectedEOF},
		{"wrong version", append(header(3, 9), 4, 0), ErrInvalidVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeFrameSingleWrite(t *testing.T) {
	w := &countingWriter{}
	frame := &Frame{Version: ProtocolVersion, Type: uint8(CmdReceipt), Payload: []byte("hello")}
	require.NoError(t, EncodeFrame(w, frame))
	assert.Equal(t, 1, w.writes)
	assert.Equal(t, 7+5, w.n)
}

type countingWriter struct {
	writes int
	n      int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	w.n += len(p)
	return len(p), nil
}

func TestCompressPayload(t *testing.T) {
	t.Run("compressible data shrinks", func(t *testing.T) {
		data := bytes.Repeat([]byte("friends "), 200)
		compressed, ok := CompressPayload(data)
		require.True(t, ok)
		assert.Less(t, len(compressed), len(data))

		restored, err := DecompressPayload(compressed)
		require.NoError(t, err)
		assert.Equal(t, data, restored)
	})

	t.Run("empty input is left alone", func(t *testing.T) {
		out, ok := CompressPayload(nil)
		assert.False(t, ok)
		assert.Empty(t, out)
	})
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)

	tooBig := make([]byte, 8)
	binary.BigEndian.PutUint32(tooBig, MaxFrameSize+1)
	_, err = DecompressPayload(tooBig)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	garbage := []byte{0, 0, 0, 50, 0xff, 0xff, 0xff}
	_, err = DecompressPayload(garbage)
	assert.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestEncodeFrameAutoCompression(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"ID":"10001","online":true,"nickname":"alice"},`), 40)
	require.GreaterOrEqual(t, len(payload), CompressionThreshold)

	data, err := MarshalFrame(&Frame{Version: ProtocolVersion, Type: uint8(CmdRetFindResult), Payload: payload})
	require.NoError(t, err)
	assert.Less(t, len(data), len(payload))
	assert.Equal(t, uint8(FlagCompressed), data[6]&FlagCompressed)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), decoded.Flags&FlagCompressed, "flag cleared after decompression")
	assert.Equal(t, payload, decoded.Payload)
}

func TestSmallPayloadNotCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), CompressionThreshold-1)
	data, err := MarshalFrame(&Frame{Version: ProtocolVersion, Type: uint8(CmdChat), Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), data[6])
	assert.Len(t, data, 7+len(payload))
}
