package repnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Seq:     7,
		AckSeq:  5,
		AckBits: 0x0b,
		Bunches: []*Bunch{
			{ChIndex: 3, ChType: ChannelActor, Reliable: true, Seq: 1, Gen: 2, Open: true},
			{ChIndex: 3, ChType: ChannelActor, Reliable: true, Seq: 2, Gen: 2, Partial: PartialInitial, Data: []byte("he")},
			{ChIndex: 3, ChType: ChannelActor, Reliable: true, Seq: 3, Gen: 2, Partial: PartialFinal, Data: []byte("llo")},
			{ChIndex: 9, ChType: ChannelVoice, Data: []byte{0, 1, 2}},
			{ChIndex: 3, ChType: ChannelActor, Reliable: true, Seq: 4, Gen: 2, Close: true, CloseReason: ReasonDormancy},
		},
	}

	data := p.Marshal()
	assert.Len(t, data, p.encodedLen())

	got, err := ParsePacket(data)
	require.NoError(t, err)

	assert.Equal(t, p.Seq, got.Seq)
	assert.Equal(t, p.AckSeq, got.AckSeq)
	assert.Equal(t, p.AckBits, got.AckBits)
	require.Len(t, got.Bunches, len(p.Bunches))

	for i, want := range p.Bunches {
		b := got.Bunches[i]
		assert.Equal(t, want.ChIndex, b.ChIndex, "bunch %d", i)
		assert.Equal(t, want.ChType, b.ChType, "bunch %d", i)
		assert.Equal(t, want.Reliable, b.Reliable, "bunch %d", i)
		assert.Equal(t, want.Seq, b.Seq, "bunch %d", i)
		assert.Equal(t, want.Partial, b.Partial, "bunch %d", i)
		assert.Equal(t, want.Open, b.Open, "bunch %d", i)
		assert.Equal(t, want.Gen, b.Gen, "bunch %d", i)
		assert.Equal(t, want.Close, b.Close, "bunch %d", i)
		assert.Equal(t, want.CloseReason, b.CloseReason, "bunch %d", i)
		assert.Equal(t, len(want.Data), len(b.Data), "bunch %d", i)
		if len(want.Data) > 0 {
			assert.Equal(t, want.Data, b.Data, "bunch %d", i)
		}
	}
}

func TestParsePacketHeaderOnly(t *testing.T) {
	p := &Packet{Seq: 1}

	got, err := ParsePacket(p.Marshal())
	require.NoError(t, err)
	assert.Empty(t, got.Bunches)
}

func TestParsePacketMalformed(t *testing.T) {
	valid := (&Packet{
		Seq: 1,
		Bunches: []*Bunch{
			{ChIndex: 1, Reliable: true, Seq: 1, Data: []byte("abc")},
		},
	}).Marshal()

	badID := append([]byte(nil), valid...)
	badID[0] ^= 0xff

	badFlags := append([]byte(nil), valid...)
	badFlags[PacketHeaderSize+2] |= 0x80

	badReason := (&Packet{
		Seq: 1,
		Bunches: []*Bunch{
			{ChIndex: 1, Close: true, CloseReason: ReasonError},
		},
	}).Marshal()
	// reason byte follows index, flags and type
	badReason[PacketHeaderSize+4] = uint8(closeReasonCount)

	tests := map[string][]byte{
		"empty":            nil,
		"protocol id":      badID,
		"truncated header": valid[:PacketHeaderSize-1],
		"truncated bunch":  valid[:PacketHeaderSize+5],
		"truncated data":   valid[:len(valid)-1],
		"unknown flags":    badFlags,
		"close reason":     badReason,
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePacket(data)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestSeqAcked(t *testing.T) {
	tests := []struct {
		seq, ack, bits uint32
		want           bool
	}{
		{seq: 10, ack: 10, want: true},
		{seq: 11, ack: 10, bits: 0xffffffff, want: false},
		{seq: 9, ack: 10, bits: 1, want: true},
		{seq: 9, ack: 10, bits: 2, want: false},
		{seq: 8, ack: 10, bits: 2, want: true},
		{seq: 40 - AckHistoryBits, ack: 40, bits: 1 << (AckHistoryBits - 1), want: true},
		{seq: 49 - AckHistoryBits, ack: 50, bits: 0xffffffff, want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, seqAcked(tt.seq, tt.ack, tt.bits),
			"seq %d ack %d bits %#x", tt.seq, tt.ack, tt.bits)
	}
}
