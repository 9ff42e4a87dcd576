package repnet

import (
	"bytes"
)

// protoID must be at the start of every packet
const protoID uint32 = 0x52504e31

// PacketHeaderSize is the size of the fixed packet header
const PacketHeaderSize = 4 + 4 + 4 + 4

// AckHistoryBits is the number of packets before AckSeq
// that the history bitmap covers
const AckHistoryBits = 32

/*
Packet format:

	protoID
	Seq       uint32
	AckSeq    uint32
	AckBits   uint32
	Bunch...
*/
type Packet struct {
	Seq uint32

	// AckSeq is the highest peer sequence received,
	// bit i of AckBits is set if AckSeq-1-i was received too
	AckSeq  uint32
	AckBits uint32

	Bunches []*Bunch
}

// Marshal encodes the packet
func (p *Packet) Marshal() []byte {
	w := &bytes.Buffer{}
	w.Grow(p.encodedLen())

	writeUint32(w, protoID)
	writeUint32(w, p.Seq)
	writeUint32(w, p.AckSeq)
	writeUint32(w, p.AckBits)
	for _, b := range p.Bunches {
		b.encode(w)
	}

	return w.Bytes()
}

func (p *Packet) encodedLen() int {
	n := PacketHeaderSize
	for _, b := range p.Bunches {
		n += b.encodedLen()
	}

	return n
}

// ParsePacket decodes a packet,
// it returns ErrMalformedPacket if data is truncated or not a packet
func ParsePacket(data []byte) (*Packet, error) {
	r := bytes.NewReader(data)

	id, err := readUint32(r)
	if err != nil || id != protoID {
		return nil, ErrMalformedPacket
	}

	p := &Packet{}
	if p.Seq, err = readUint32(r); err != nil {
		return nil, err
	}
	if p.AckSeq, err = readUint32(r); err != nil {
		return nil, err
	}
	if p.AckBits, err = readUint32(r); err != nil {
		return nil, err
	}

	for r.Len() > 0 {
		b, err := decodeBunch(r)
		if err != nil {
			return nil, err
		}

		p.Bunches = append(p.Bunches, b)
	}

	return p, nil
}

// seqAcked reports whether seq is covered by the ack fields
func seqAcked(seq, ackSeq, ackBits uint32) bool {
	if seq == ackSeq {
		return true
	}
	if seq > ackSeq {
		return false
	}

	d := ackSeq - seq - 1
	return d < AckHistoryBits && ackBits&(1<<d) != 0
}
