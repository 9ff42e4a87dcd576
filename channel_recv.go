package repnet

import (
	"fmt"
)

// heldBunch is an unreliable bunch that arrived while reliable
// delivery was suspended, it is released once the channel has
// delivered every reliable bunch up to after
type heldBunch struct {
	after uint32
	b     *Bunch
}

// partialRun accumulates the fragments of one message
type partialRun struct {
	reliable bool
	data     []byte
}

// receivedBunch routes an incoming bunch through reliable ordering
func (c *Channel) receivedBunch(b *Bunch) error {
	if c.broken || c.state == ChannelClosed {
		return nil
	}

	if !b.Reliable {
		if c.suspended() || len(c.held) > 0 {
			if len(c.held) >= c.conn.cfg.MaxReorderBunches {
				return fmt.Errorf("%v: %d held bunches: %w", c, len(c.held), ErrReliableBufferOverflow)
			}

			after := c.inReliable
			if c.maxQueued > after {
				after = c.maxQueued
			}

			c.held = append(c.held, heldBunch{after: after, b: b})
			return nil
		}

		return c.process(b)
	}

	switch {
	case b.Seq <= c.inReliable:
		c.conn.stats.Duplicates++
		return nil
	case b.Seq == c.inReliable+1:
		if err := c.deliver(b); err != nil {
			return err
		}

		return c.drain()
	default:
		if _, ok := c.inQueue[b.Seq]; ok {
			c.conn.stats.Duplicates++
			return nil
		}

		if len(c.inQueue) >= c.conn.cfg.MaxReorderBunches {
			return fmt.Errorf("%v: %d buffered bunches: %w", c, len(c.inQueue), ErrReliableBufferOverflow)
		}

		c.inQueue[b.Seq] = b
		if b.Seq > c.maxQueued {
			c.maxQueued = b.Seq
		}

		c.conn.stats.OutOfOrder++
		return nil
	}
}

// suspended reports whether unreliable bunches must wait
// for outstanding reliable ones
func (c *Channel) suspended() bool {
	return len(c.inQueue) > 0 || c.partial != nil && c.partial.reliable
}

// deliver processes the next in-order reliable bunch
func (c *Channel) deliver(b *Bunch) error {
	c.inReliable = b.Seq
	return c.process(b)
}

// drain delivers buffered bunches that are now in order
func (c *Channel) drain() error {
	for c.state != ChannelClosed && !c.broken {
		if err := c.releaseHeld(); err != nil {
			return err
		}

		b, ok := c.inQueue[c.inReliable+1]
		if !ok {
			break
		}
		delete(c.inQueue, b.Seq)

		if err := c.deliver(b); err != nil {
			return err
		}
	}

	if len(c.inQueue) == 0 {
		c.maxQueued = 0
	}

	return nil
}

// releaseHeld processes held unreliable bunches whose
// preceding reliable bunches have all been delivered
func (c *Channel) releaseHeld() error {
	for len(c.held) > 0 && c.state != ChannelClosed && !c.broken {
		h := c.held[0]
		if h.after > c.inReliable || c.partial != nil && c.partial.reliable {
			break
		}

		c.held = c.held[1:]
		if err := c.process(h.b); err != nil {
			return err
		}
	}

	return nil
}

// process runs reassembly on an ordered bunch and
// hands complete messages to the handler
func (c *Channel) process(b *Bunch) error {
	data, complete, err := c.reassemble(b)
	if err != nil {
		return err
	}

	if complete && !(len(data) == 0 && (b.Open || b.Close)) {
		c.handler.OnReceive(c, data)
	}

	if b.Close {
		c.remoteClosed(b.CloseReason)
	}

	return nil
}

func (c *Channel) reassemble(b *Bunch) ([]byte, bool, error) {
	continuation := b.Partial == PartialMiddle || b.Partial == PartialFinal

	if c.partial != nil && (!continuation || c.partial.reliable != b.Reliable) {
		if c.partial.reliable {
			return nil, false, fmt.Errorf("%v: %s bunch inside reliable run: %w",
				c, b.Partial, ErrFragmentation)
		}

		c.partial = nil
	}

	switch b.Partial {
	case PartialInitial:
		if len(b.Data) > c.conn.cfg.MaxMessageSize {
			return nil, false, fmt.Errorf("%v: message too large: %w", c, ErrFragmentation)
		}

		c.partial = &partialRun{
			reliable: b.Reliable,
			data:     append([]byte(nil), b.Data...),
		}
		return nil, false, nil
	case PartialMiddle, PartialFinal:
		if c.partial == nil {
			if b.Reliable {
				return nil, false, fmt.Errorf("%v: %s bunch without initial: %w",
					c, b.Partial, ErrFragmentation)
			}

			return nil, false, nil
		}

		if len(c.partial.data)+len(b.Data) > c.conn.cfg.MaxMessageSize {
			return nil, false, fmt.Errorf("%v: message too large: %w", c, ErrFragmentation)
		}

		c.partial.data = append(c.partial.data, b.Data...)
		if b.Partial == PartialMiddle {
			return nil, false, nil
		}

		data := c.partial.data
		c.partial = nil
		return data, true, nil
	default:
		return b.Data, true, nil
	}
}

// remoteClosed handles the peer's close bunch
func (c *Channel) remoteClosed(reason CloseReason) {
	c.conn.log.Debug("channel closed by peer",
		zapChannel(c), zapReason(reason))

	c.finish(reason)
}
