package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// MaxStringLength is the largest string a single tuple element can carry
const MaxStringLength = 0xFFFF

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrInvalidUTF8   = errors.New("string is not valid UTF-8")
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint16 writes a big-endian uint16
func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint16 reads a big-endian uint16
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteString writes a uint16 length prefix followed by the UTF-8 bytes
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a uint16 length-prefixed UTF-8 string
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}
