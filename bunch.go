package repnet

import (
	"bytes"
	"fmt"
)

// PartialState marks where a bunch sits in a fragmented message
type PartialState uint8

const (
	PartialNone PartialState = iota
	PartialInitial
	PartialMiddle
	PartialFinal
)

func (p PartialState) String() string {
	switch p {
	case PartialNone:
		return "none"
	case PartialInitial:
		return "initial"
	case PartialMiddle:
		return "partial"
	case PartialFinal:
		return "final"
	default:
		return fmt.Sprintf("PartialState(%d)", uint8(p))
	}
}

const (
	bunchFlagReliable = 1 << iota
	bunchFlagOpen
	bunchFlagClose
)

const bunchPartialShift = 3

// bunchHeaderMax is the largest possible encoded bunch header:
// index, flags, type, seq, generation, close reason, payload length
const bunchHeaderMax = 2 + 1 + 1 + 4 + 1 + 1 + 2

// A Bunch is one channel's unit of payload inside a packet
type Bunch struct {
	ChIndex uint16
	ChType  ChannelType

	Reliable bool
	// Seq is the channel's reliable sequence number,
	// it is only meaningful if Reliable is set
	Seq     uint32
	Partial PartialState

	// Gen is the generation of the channel using the index,
	// it is sent with every reliable or open bunch
	Gen  uint8
	Open bool

	Close       bool
	CloseReason CloseReason

	Data []byte
}

// IsPartial reports whether the bunch is a fragment of a larger message
func (b *Bunch) IsPartial() bool { return b.Partial != PartialNone }

func (b *Bunch) hasGen() bool { return b.Reliable || b.Open }

// encodedLen returns the number of bytes b occupies in a packet
func (b *Bunch) encodedLen() int {
	n := 2 + 1 + 1 + 2 + len(b.Data)
	if b.Reliable {
		n += 4
	}
	if b.hasGen() {
		n++
	}
	if b.Close {
		n++
	}

	return n
}

func (b *Bunch) encode(w *bytes.Buffer) {
	var flags uint8
	if b.Reliable {
		flags |= bunchFlagReliable
	}
	if b.Open {
		flags |= bunchFlagOpen
	}
	if b.Close {
		flags |= bunchFlagClose
	}
	flags |= uint8(b.Partial) << bunchPartialShift

	writeUint16(w, b.ChIndex)
	writeUint8(w, flags)
	writeUint8(w, uint8(b.ChType))
	if b.Reliable {
		writeUint32(w, b.Seq)
	}
	if b.hasGen() {
		writeUint8(w, b.Gen)
	}
	if b.Close {
		writeUint8(w, uint8(b.CloseReason))
	}
	writeBytes16(w, b.Data)
}

func decodeBunch(r *bytes.Reader) (*Bunch, error) {
	b := &Bunch{}

	var err error
	if b.ChIndex, err = readUint16(r); err != nil {
		return nil, err
	}

	flags, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	if flags>>(bunchPartialShift+2) != 0 {
		return nil, ErrMalformedPacket
	}

	b.Reliable = flags&bunchFlagReliable != 0
	b.Open = flags&bunchFlagOpen != 0
	b.Close = flags&bunchFlagClose != 0
	b.Partial = PartialState(flags >> bunchPartialShift & 0x03)

	typ, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	b.ChType = ChannelType(typ)

	if b.Reliable {
		if b.Seq, err = readUint32(r); err != nil {
			return nil, err
		}
	}
	if b.hasGen() {
		if b.Gen, err = readUint8(r); err != nil {
			return nil, err
		}
	}
	if b.Close {
		reason, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if CloseReason(reason) >= closeReasonCount {
			return nil, ErrMalformedPacket
		}
		b.CloseReason = CloseReason(reason)
	}

	if b.Data, err = readBytes16(r); err != nil {
		return nil, err
	}

	return b, nil
}

// clone returns a shallow copy of b that shares its payload
func (b *Bunch) clone() *Bunch {
	c := *b
	return &c
}
