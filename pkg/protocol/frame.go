package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame body size (1 MB)
	MaxFrameSize = 1024 * 1024

	// CompressionThreshold is the minimum tuple size to consider compression (512 bytes)
	CompressionThreshold = 512

	// MaxTupleElements is the largest element count a tuple header can express
	MaxTupleElements = 0xFFFF
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: tuple bytes are LZ4 compressed
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrTooManyElements      = errors.New("payload has too many elements")
)

// Payload is the ordered tuple of strings carried by one frame.
// By convention element 0 is the command tag and the rest are its arguments.
type Payload []string

// NewPayload builds a payload from a tag and its arguments
func NewPayload(tag string, args ...string) Payload {
	p := make(Payload, 0, 1+len(args))
	p = append(p, tag)
	return append(p, args...)
}

// Tag returns the first element, or "" for the empty payload
func (p Payload) Tag() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Args returns every element after the tag
func (p Payload) Args() []string {
	if len(p) < 2 {
		return nil
	}
	return p[1:]
}

// Arg returns the i-th argument (0-based, tag excluded), or "" if absent
func (p Payload) Arg(i int) string {
	if i < 0 || i+1 >= len(p) {
		return ""
	}
	return p[i+1]
}

// Empty reports whether the payload carries nothing. Lenient decoding
// returns the empty payload for every framing error.
func (p Payload) Empty() bool {
	return len(p) == 0
}

// EncodeTo writes the tuple encoding: [Count (2 bytes)][String]...
func (p Payload) EncodeTo(w io.Writer) error {
	if len(p) > MaxTupleElements {
		return ErrTooManyElements
	}
	if err := WriteUint16(w, uint16(len(p))); err != nil {
		return err
	}
	for _, s := range p {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes the tuple to bytes
func (p Payload) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := p.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload parses tuple bytes. Trailing bytes are a format error.
func DecodePayload(data []byte) (Payload, error) {
	buf := bytes.NewReader(data)
	count, err := ReadUint16(buf)
	if err != nil {
		return nil, ErrMalformedPayload
	}

	p := make(Payload, 0, count)
	for i := 0; i < int(count); i++ {
		s, err := ReadString(buf)
		if err != nil {
			return nil, ErrMalformedPayload
		}
		p = append(p, s)
	}

	if buf.Len() != 0 {
		return nil, ErrMalformedPayload
	}
	return p, nil
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, 4+maxCompressedSize)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Incompressible
		return data, false
	}

	compressedTotal := 4 + n
	if compressedTotal >= len(data) {
		return data, false
	}

	return compressed[:compressedTotal], true
}

// DecompressPayload decompresses LZ4-compressed data.
// Expects format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}

	return decompressed, nil
}

// EncodeMessage encodes a payload into a complete frame.
// Format: [Length (4 bytes)][Flags (1 byte)][Tuple (N bytes)]
// The tuple is LZ4 compressed when it is at least CompressionThreshold bytes
// and compression saves space.
func EncodeMessage(p Payload) ([]byte, error) {
	tuple, err := p.Encode()
	if err != nil {
		return nil, err
	}

	var flags uint8
	if len(tuple) >= CompressionThreshold {
		if compressed, ok := CompressPayload(tuple); ok {
			tuple = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(1 + len(tuple))
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+int(length)))
	if err := WriteUint32(buf, length); err != nil {
		return nil, err
	}
	if err := WriteUint8(buf, flags); err != nil {
		return nil, err
	}
	buf.Write(tuple)
	return buf.Bytes(), nil
}

// EncodeFrame writes one frame carrying p. The frame goes out in a single
// Write so message-oriented transports see exactly one frame per message.
func EncodeFrame(w io.Writer, p Payload) error {
	data, err := EncodeMessage(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from the reader. io.EOF is returned untouched
// when the stream ends cleanly before a new frame starts.
func DecodeFrame(r io.Reader) (Payload, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	// Flags byte plus the 2-byte element count
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	flags, err := ReadUint8(r)
	if err != nil {
		return nil, unexpected(err)
	}

	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpected(err)
	}

	if flags&FlagCompressed != 0 {
		body, err = DecompressPayload(body)
		if err != nil {
			return nil, err
		}
	}

	return DecodePayload(body)
}

// DecodeMessage decodes a frame from a byte slice
func DecodeMessage(data []byte) (Payload, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// Receive reads one frame and degrades every framing error (truncated
// length prefix, short body, bad tuple) to the empty payload.
func Receive(r io.Reader) Payload {
	p, err := DecodeFrame(r)
	if err != nil {
		return Payload{}
	}
	return p
}

// unexpected turns a clean EOF in the middle of a frame into ErrUnexpectedEOF
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
