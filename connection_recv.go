package repnet

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Receive parses a packet from the peer and applies its
// acknowledgment fields. It returns the bunches that are ready
// to be dispatched in order. Stale and duplicate packets return
// ErrSequenceViolation, which is never fatal.
func (c *Connection) Receive(data []byte) ([]*Bunch, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}

	p, err := ParsePacket(data)
	if err != nil {
		c.stats.Malformed++
		return nil, err
	}

	c.stats.PacketsIn++
	c.stats.BytesIn += uint64(len(data))

	diff := int64(p.Seq) - int64(c.lastRecv)
	switch {
	case diff <= 0:
		c.stats.Duplicates++
		return nil, fmt.Errorf("seq %d, last %d: %w", p.Seq, c.lastRecv, ErrSequenceViolation)
	case diff == 1:
		bunches := c.accept(p)
		return append(bunches, c.drainReorder()...), nil
	case c.cfg.ReceivePolicy == ReceiveImmediate:
		c.stats.OutOfOrder++
		return c.accept(p), nil
	default:
		if _, ok := c.reorder[p.Seq]; ok {
			c.stats.Duplicates++
			return nil, fmt.Errorf("seq %d already held: %w", p.Seq, ErrSequenceViolation)
		}

		c.stats.OutOfOrder++
		c.reorder[p.Seq] = p
		if len(c.reorder) > c.cfg.MaxReorderPackets {
			return c.EndReceive(), nil
		}

		return nil, nil
	}
}

// EndReceive releases every packet held by the reorder policy
// in ascending order, the sequences still missing are treated as lost.
// It is called at the end of each receive pass.
func (c *Connection) EndReceive() []*Bunch {
	if c.closed || len(c.reorder) == 0 {
		return nil
	}

	seqs := make([]uint32, 0, len(c.reorder))
	for seq := range c.reorder {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var bunches []*Bunch
	for _, seq := range seqs {
		p := c.reorder[seq]
		delete(c.reorder, seq)

		if seq > c.lastRecv {
			bunches = append(bunches, c.accept(p)...)
		}
	}

	return bunches
}

// ReceivePacket receives a packet and dispatches its bunches
// to their channels
func (c *Connection) ReceivePacket(data []byte) error {
	bunches, err := c.Receive(data)
	if err != nil {
		return err
	}

	return c.Dispatch(bunches)
}

// Dispatch routes bunches returned by Receive or EndReceive
// to their channels. It returns the error that tore the
// Connection down, if any.
func (c *Connection) Dispatch(bunches []*Bunch) error {
	for _, b := range bunches {
		if c.closed {
			break
		}

		c.dispatch(b)
	}

	if c.closed {
		return c.closeErr
	}

	return nil
}

func (c *Connection) drainReorder() []*Bunch {
	var bunches []*Bunch
	for {
		p, ok := c.reorder[c.lastRecv+1]
		if !ok {
			return bunches
		}

		delete(c.reorder, p.Seq)
		bunches = append(bunches, c.accept(p)...)
	}
}

// accept records p as received and processes its acknowledgment
func (c *Connection) accept(p *Packet) []*Bunch {
	shift := p.Seq - c.lastRecv
	if shift > AckHistoryBits {
		c.recvHistory = 0
	} else {
		c.recvHistory = c.recvHistory<<shift | 1<<(shift-1)
	}

	c.lastRecv = p.Seq
	c.lastRecvTime = c.clock.Now()
	// ack-only packets are not tracked by the sender
	if len(p.Bunches) > 0 {
		c.ackPending = true
	}

	c.processAck(p.AckSeq, p.AckBits)

	return p.Bunches
}

func (c *Connection) processAck(ack, bits uint32) {
	if ack <= c.lastAcked || ack > c.outSeq {
		return
	}
	c.lastAcked = ack

	i := 0
	for ; i < len(c.outstanding) && c.outstanding[i].seq <= ack; i++ {
		sp := c.outstanding[i]
		if seqAcked(sp.seq, ack, bits) {
			c.packetAcked(sp)
		} else {
			c.packetNaked(sp)
		}
	}

	c.outstanding = c.outstanding[i:]
}

func (c *Connection) packetAcked(sp *sentPacket) {
	c.stats.Acks++
	for _, ob := range sp.bunches {
		ob.ch.bunchAcked(ob)
	}
}

func (c *Connection) packetNaked(sp *sentPacket) {
	c.stats.NAKs++
	c.log.Debug("packet lost", zap.Uint32("seq", sp.seq))

	for _, ob := range sp.bunches {
		ob.ch.bunchNaked(ob)
	}
}

// dispatch routes one bunch to its channel,
// opening or rejecting channels as needed
func (c *Connection) dispatch(b *Bunch) {
	if int(b.ChIndex) >= c.cfg.MaxChannels {
		c.log.Debug("bunch for channel out of range", zap.Uint16("ch", b.ChIndex))
		return
	}

	ch := c.channels[b.ChIndex]
	if ch != nil && ch.state == ChannelClosing && (b.Open || b.Reliable && b.Gen != ch.gen) {
		// the peer processed our close and reused the index
		ch.finish(ch.closeReason)
		ch = nil
	}

	switch {
	case ch == nil:
		if !b.Reliable {
			return
		}
		if t, ok := c.tombs[b.ChIndex]; ok && t.gen == b.Gen {
			c.log.Debug("bunch for closed channel", zap.Uint16("ch", b.ChIndex), zap.Uint8("gen", b.Gen))
			return
		}

		// either the open bunch or one that arrived before it
		ch = c.remoteOpen(b)
	case b.Open && ch.local:
		c.log.Debug("channel open collision", zapChannel(ch))
		c.notifyChannelError(&ChannelError{
			Index:  b.ChIndex,
			Reason: ReasonError,
			Err:    ErrChannelIndexInUse,
		})
		return
	case b.Reliable && b.Gen != ch.gen:
		c.log.Debug("bunch for stale channel generation", zapChannel(ch), zap.Uint8("gen", b.Gen))
		return
	}

	if err := ch.receivedBunch(b); err != nil {
		if errors.Is(err, ErrReliableBufferOverflow) {
			c.fail(err)
			return
		}

		ch.fail(err)
	}
}

func (c *Connection) remoteOpen(b *Bunch) *Channel {
	ch := c.newChannel(b.ChIndex, b.ChType, false)
	ch.gen = b.Gen
	ch.state = ChannelOpen
	// the next local open of this index must not reuse the peer's generation
	c.gens[b.ChIndex] = b.Gen

	c.log.Debug("channel opened by peer", zapChannel(ch))
	ch.handler.OnOpen(ch)

	return ch
}
