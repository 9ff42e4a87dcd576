package repnet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIndex = 1
	testGen   = 1
)

func openBunch(gen uint8) *Bunch {
	return &Bunch{ChIndex: testIndex, ChType: ChannelData, Reliable: true, Seq: 1, Gen: gen, Open: true}
}

func rel(seq uint32, data string) *Bunch {
	return relGen(testGen, seq, data)
}

func relGen(gen uint8, seq uint32, data string) *Bunch {
	return &Bunch{ChIndex: testIndex, ChType: ChannelData, Reliable: true, Seq: seq, Gen: gen, Data: []byte(data)}
}

func relPart(seq uint32, p PartialState, data string) *Bunch {
	b := rel(seq, data)
	b.Partial = p
	return b
}

func unrel(data string) *Bunch {
	return &Bunch{ChIndex: testIndex, ChType: ChannelData, Data: []byte(data)}
}

func unrelPart(p PartialState, data string) *Bunch {
	b := unrel(data)
	b.Partial = p
	return b
}

func dispatchAll(t *testing.T, c *Connection, bunches ...*Bunch) {
	t.Helper()
	require.NoError(t, c.Dispatch(bunches))
}

func TestChannelReliableOrder(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c, openBunch(testGen), rel(2, "2"), rel(3, "3"), rel(4, "4"))
	assert.Equal(t, []uint16{testIndex}, r.opened)
	assert.Equal(t, []string{"2", "3", "4"}, r.strings(testIndex))

	dispatchAll(t, c, rel(5, "5"), rel(7, "7"))
	assert.Equal(t, []string{"2", "3", "4", "5"}, r.strings(testIndex))

	ch, ok := c.Channel(testIndex)
	require.True(t, ok)
	assert.Equal(t, 1, ch.Buffered())

	dispatchAll(t, c, rel(6, "6"))
	assert.Equal(t, []string{"2", "3", "4", "5", "6", "7"}, r.strings(testIndex))
	assert.Equal(t, uint32(7), ch.InReliableSequence())
	assert.Zero(t, ch.Buffered())
	assert.Equal(t, ChannelOpen, ch.State())
}

func TestChannelDuplicates(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c, openBunch(testGen), rel(2, "a"), rel(2, "a"), rel(1, ""))
	dispatchAll(t, c, rel(4, "c"), rel(4, "c"))
	dispatchAll(t, c, rel(3, "b"))

	assert.Equal(t, []string{"a", "b", "c"}, r.strings(testIndex))
	assert.Equal(t, uint64(3), c.Stats().Duplicates)
}

func TestChannelUnreliableHeldBehindGap(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c, openBunch(testGen), unrel("u1"))
	assert.Equal(t, []string{"u1"}, r.strings(testIndex))

	dispatchAll(t, c, rel(3, "c"), unrel("u2"))
	assert.Equal(t, []string{"u1"}, r.strings(testIndex))

	ch, _ := c.Channel(testIndex)
	assert.Equal(t, 2, ch.Buffered())

	dispatchAll(t, c, rel(2, "b"))
	assert.Equal(t, []string{"u1", "b", "c", "u2"}, r.strings(testIndex))
	assert.Zero(t, ch.Buffered())
}

func TestChannelUnreliableHeldDuringReliableRun(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c,
		openBunch(testGen),
		relPart(2, PartialInitial, "ab"),
		unrel("u"),
		relPart(3, PartialFinal, "cd"),
	)

	assert.Equal(t, []string{"abcd", "u"}, r.strings(testIndex))
	assert.Empty(t, r.chErrs)
}

func TestChannelReassembly(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c,
		openBunch(testGen),
		relPart(2, PartialInitial, "he"),
		relPart(3, PartialMiddle, "ll"),
		relPart(4, PartialFinal, "o"),
	)

	assert.Equal(t, []string{"hello"}, r.strings(testIndex))
}

func TestChannelReliableMiddleWithoutInitial(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c, openBunch(testGen), relPart(2, PartialMiddle, "x"))

	require.Len(t, r.chErrs, 1)
	assert.Equal(t, uint16(testIndex), r.chErrs[0].Index)
	assert.Equal(t, ReasonError, r.chErrs[0].Reason)
	assert.ErrorIs(t, r.chErrs[0], ErrFragmentation)

	ch, ok := c.Channel(testIndex)
	require.True(t, ok)
	assert.Equal(t, ChannelClosing, ch.State())
	assert.Equal(t, ReasonError, ch.CloseReason())
	assert.Equal(t, 1, c.Pending(), "close bunch queued")

	dispatchAll(t, c, rel(3, "ignored"))
	assert.Empty(t, r.msgs[testIndex])
	assert.False(t, c.Closed())
}

func TestChannelReliableRunInterrupted(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c, openBunch(testGen), relPart(2, PartialInitial, "ab"), rel(3, "x"))

	require.Len(t, r.chErrs, 1)
	assert.ErrorIs(t, r.chErrs[0], ErrFragmentation)
	assert.Empty(t, r.msgs[testIndex])
}

func TestChannelUnreliableRunBroken(t *testing.T) {
	c, r := newTestConn(DefaultConnConfig(), newFakeClock(), "peer")

	dispatchAll(t, c,
		openBunch(testGen),
		unrelPart(PartialInitial, "ab"),
		unrel("x"),
		unrelPart(PartialFinal, "cd"),
		unrelPart(PartialInitial, "1"),
		unrelPart(PartialMiddle, "2"),
		unrelPart(PartialFinal, "3"),
	)

	assert.Equal(t, []string{"x", "123"}, r.strings(testIndex))
	assert.Empty(t, r.chErrs)
}

func TestChannelMessageTooLarge(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.MaxMessageSize = 4

	c, r := newTestConn(cfg, newFakeClock(), "peer")

	dispatchAll(t, c, openBunch(testGen), relPart(2, PartialInitial, "abc"), relPart(3, PartialFinal, "de"))

	require.Len(t, r.chErrs, 1)
	assert.ErrorIs(t, r.chErrs[0], ErrFragmentation)
}

func TestChannelReorderOverflow(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.MaxReorderBunches = 2

	c, r := newTestConn(cfg, newFakeClock(), "peer")

	err := c.Dispatch([]*Bunch{openBunch(testGen), rel(3, "c"), rel(4, "d"), rel(5, "e")})
	assert.ErrorIs(t, err, ErrReliableBufferOverflow)
	assert.True(t, c.Closed())
	assert.True(t, r.connDone)
	assert.ErrorIs(t, r.connErr, ErrReliableBufferOverflow)
	assert.Equal(t, ReasonError, r.closed[testIndex])
}

func TestChannelSendOverflow(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.MaxUnackedReliable = 2

	a, _, ra, _, _ := newPair(cfg)

	ch, err := a.OpenChannel(ChannelData)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Unacked(), "open bunch")

	require.NoError(t, ch.Send([]byte("x"), true))
	require.NoError(t, ch.Send([]byte("u"), false))

	err = ch.Send([]byte("y"), true)
	assert.ErrorIs(t, err, ErrReliableBufferOverflow)
	assert.True(t, a.Closed())
	assert.ErrorIs(t, ra.connErr, ErrReliableBufferOverflow)
	assert.Equal(t, ChannelClosed, ch.State())
}

func TestChannelFragmentation(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.MaxPacketSize = 128

	max := cfg.normalize().MaxBunchSize
	require.Equal(t, 128-PacketHeaderSize-bunchHeaderMax, max)

	tests := []struct {
		size    int
		bunches int
	}{
		{1, 1},
		{max, 1},
		{max + 1, 2},
		{3*max + 1, 4},
	}

	for _, tt := range tests {
		a, b, _, rb, _ := newPair(cfg)

		ch, err := a.OpenChannel(ChannelData)
		require.NoError(t, err)

		data := bytes.Repeat([]byte{0xab}, tt.size)
		data[len(data)-1] = 0xcd
		require.NoError(t, ch.Send(data, true))

		var parts []*Bunch
		pkts := flushPackets(t, a)
		for _, p := range pkts {
			for _, bn := range p.Bunches {
				if !bn.Open {
					parts = append(parts, bn)
				}
			}
		}

		require.Len(t, parts, tt.bunches, "size %d", tt.size)
		for i, bn := range parts {
			assert.LessOrEqual(t, len(bn.Data), max)
			switch {
			case tt.bunches == 1:
				assert.Equal(t, PartialNone, bn.Partial)
			case i == 0:
				assert.Equal(t, PartialInitial, bn.Partial)
			case i == len(parts)-1:
				assert.Equal(t, PartialFinal, bn.Partial)
			default:
				assert.Equal(t, PartialMiddle, bn.Partial)
			}
		}

		for _, p := range pkts {
			assert.LessOrEqual(t, p.encodedLen(), cfg.MaxPacketSize)
			require.NoError(t, b.ReceivePacket(p.Marshal()))
		}

		require.Len(t, rb.msgs[ch.Index()], 1, "size %d", tt.size)
		assert.Equal(t, data, rb.msgs[ch.Index()][0])
	}
}

func TestChannelSendAfterClose(t *testing.T) {
	a, _, _, _, _ := newPair(DefaultConnConfig())

	ch, err := a.OpenChannel(ChannelData)
	require.NoError(t, err)
	require.NoError(t, ch.Close(ReasonRequested))

	assert.ErrorIs(t, ch.Send([]byte("x"), true), ErrChannelClosed)
	assert.Equal(t, ChannelClosing, ch.State())
}
