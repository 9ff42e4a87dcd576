package repnet

import (
	"math"
)

func (c *Connection) enqueue(ob *outBunch) {
	if c.closed {
		return
	}

	c.sendQueue = append(c.sendQueue, ob)
}

// resend queues a reliable bunch again after the packet carrying it was lost
func (c *Connection) resend(ob *outBunch) {
	if c.closed {
		return
	}

	c.stats.Retransmits++
	c.resendQueue = append(c.resendQueue, ob)
}

// Pending returns the number of bunches waiting for Flush
func (c *Connection) Pending() int { return len(c.sendQueue) + len(c.resendQueue) }

func (c *Connection) nextSeq() (uint32, error) {
	if c.outSeq == math.MaxUint32 {
		return 0, ErrSequenceExhausted
	}

	c.outSeq++
	return c.outSeq, nil
}

// Flush packs the queued bunches into packets, retransmissions first,
// and returns their wire encoding in sending order. If nothing is
// queued it emits an acknowledgment or keep-alive packet when one is due.
func (c *Connection) Flush() ([][]byte, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}

	queue := make([]*outBunch, 0, len(c.resendQueue)+len(c.sendQueue))
	queue = append(queue, c.resendQueue...)
	queue = append(queue, c.sendQueue...)
	c.resendQueue = nil
	c.sendQueue = nil

	now := c.clock.Now()

	var (
		out  [][]byte
		cur  *Packet
		sent *sentPacket
		size int
	)

	emit := func() {
		cur.AckSeq = c.lastRecv
		cur.AckBits = c.recvHistory

		data := cur.Marshal()
		out = append(out, data)

		if len(sent.bunches) > 0 {
			c.outstanding = append(c.outstanding, sent)
		}

		c.ackPending = false
		c.lastSendTime = now
		c.stats.PacketsOut++
		c.stats.BytesOut += uint64(len(data))

		cur = nil
		sent = nil
	}

	for _, ob := range queue {
		if ob.acked || ob.dropped || ob.ch.state == ChannelClosed {
			continue
		}

		n := ob.encodedLen()
		if cur != nil && size+n > c.cfg.MaxPacketSize {
			emit()
		}

		if cur == nil {
			seq, err := c.nextSeq()
			if err != nil {
				c.fail(err)
				return out, err
			}

			cur = &Packet{Seq: seq}
			sent = &sentPacket{seq: seq, sent: now}
			size = PacketHeaderSize
		}

		cur.Bunches = append(cur.Bunches, ob.Bunch)
		sent.bunches = append(sent.bunches, ob)
		size += n
	}

	if cur != nil {
		emit()
	}

	if len(out) == 0 && (c.ackPending || now.Sub(c.lastSendTime) >= c.cfg.KeepAliveInterval) {
		seq, err := c.nextSeq()
		if err != nil {
			c.fail(err)
			return nil, err
		}

		cur = &Packet{Seq: seq}
		sent = &sentPacket{seq: seq, sent: now}
		emit()
	}

	return out, nil
}
