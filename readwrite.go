package repnet

import (
	"bytes"
	"encoding/binary"
	"io"
)

var be = binary.BigEndian

// readUint8 reads one byte from r
func readUint8(r io.Reader) (uint8, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, ErrMalformedPacket
	}

	return b[0], nil
}

func writeUint8(w *bytes.Buffer, v uint8) {
	w.WriteByte(v)
}

// readUint16 reads a big endian uint16 from r
func readUint16(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, ErrMalformedPacket
	}

	return be.Uint16(b), nil
}

func writeUint16(w *bytes.Buffer, v uint16) {
	b := make([]byte, 2)
	be.PutUint16(b, v)
	w.Write(b)
}

// readUint32 reads a big endian uint32 from r
func readUint32(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, ErrMalformedPacket
	}

	return be.Uint32(b), nil
}

func writeUint32(w *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	be.PutUint32(b, v)
	w.Write(b)
}

// readBytes16 reads a uint16 length prefixed byte slice from r
func readBytes16(r io.Reader) ([]byte, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrMalformedPacket
	}

	return b, nil
}

func writeBytes16(w *bytes.Buffer, b []byte) {
	writeUint16(w, uint16(len(b)))
	w.Write(b)
}
