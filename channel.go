package repnet

import (
	"fmt"
)

// ChannelType selects what a channel is used for
type ChannelType uint8

const (
	ChannelControl ChannelType = iota
	ChannelActor
	ChannelVoice
	ChannelData

	// ChannelCustom is the first type available to applications
	ChannelCustom ChannelType = 16
)

func (t ChannelType) String() string {
	switch t {
	case ChannelControl:
		return "control"
	case ChannelActor:
		return "actor"
	case ChannelVoice:
		return "voice"
	case ChannelData:
		return "data"
	default:
		return fmt.Sprintf("custom(%d)", uint8(t))
	}
}

// ChannelState is the lifecycle state of a channel
type ChannelState uint8

const (
	ChannelPending ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelPending:
		return "pending"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason tells the application why a channel went away
type CloseReason uint8

const (
	ReasonRequested CloseReason = iota
	ReasonRelevancy
	ReasonDestroyed
	// ReasonTearOff detaches the remote object from further updates
	// without destroying it
	ReasonTearOff
	ReasonDormancy
	ReasonError

	closeReasonCount
)

func (r CloseReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonRelevancy:
		return "relevancy"
	case ReasonDestroyed:
		return "destroyed"
	case ReasonTearOff:
		return "tear off"
	case ReasonDormancy:
		return "dormancy"
	case ReasonError:
		return "error"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(r))
	}
}

// A ChannelHandler receives the events of one channel
type ChannelHandler interface {
	OnOpen(ch *Channel)
	OnReceive(ch *Channel, data []byte)
	OnClose(ch *Channel, reason CloseReason)
}

// A HandlerFactory returns the handler for a new channel of type t
type HandlerFactory func(t ChannelType) ChannelHandler

// HandlerFuncs adapts plain functions to a ChannelHandler,
// nil fields are ignored
type HandlerFuncs struct {
	Open    func(ch *Channel)
	Receive func(ch *Channel, data []byte)
	Close   func(ch *Channel, reason CloseReason)
}

func (h HandlerFuncs) OnOpen(ch *Channel) {
	if h.Open != nil {
		h.Open(ch)
	}
}

func (h HandlerFuncs) OnReceive(ch *Channel, data []byte) {
	if h.Receive != nil {
		h.Receive(ch, data)
	}
}

func (h HandlerFuncs) OnClose(ch *Channel, reason CloseReason) {
	if h.Close != nil {
		h.Close(ch, reason)
	}
}

// outBunch is a queued or in-flight bunch
type outBunch struct {
	*Bunch
	ch *Channel

	acked   bool
	dropped bool
}

// A Channel is one logical substream of a Connection
type Channel struct {
	conn    *Connection
	index   uint16
	typ     ChannelType
	state   ChannelState
	handler ChannelHandler

	// local is set if this side opened the channel
	local bool
	gen   uint8

	entity    EntityID
	hasEntity bool

	outReliable uint32
	inReliable  uint32
	unacked     []*outBunch

	inQueue   map[uint32]*Bunch
	maxQueued uint32
	held      []heldBunch
	partial   *partialRun

	// broken channels ignore incoming bunches
	broken      bool
	closeReason CloseReason
	closeSeq    uint32
}

// Index returns the channel index
func (c *Channel) Index() uint16 { return c.index }

// Type returns the channel type
func (c *Channel) Type() ChannelType { return c.typ }

// State returns the lifecycle state of the channel
func (c *Channel) State() ChannelState { return c.state }

// Conn returns the Connection owning the channel
func (c *Channel) Conn() *Connection { return c.conn }

// Entity returns the entity the channel replicates, if any
func (c *Channel) Entity() (EntityID, bool) { return c.entity, c.hasEntity }

// Local reports whether this side opened the channel
func (c *Channel) Local() bool { return c.local }

// OutReliableSequence returns the sequence of the last reliable bunch sent
func (c *Channel) OutReliableSequence() uint32 { return c.outReliable }

// InReliableSequence returns the sequence of the last reliable bunch
// delivered in order
func (c *Channel) InReliableSequence() uint32 { return c.inReliable }

// Generation returns the generation of the channel's index
func (c *Channel) Generation() uint8 { return c.gen }

// Unacked returns the number of reliable bunches waiting for acknowledgment
func (c *Channel) Unacked() int { return len(c.unacked) }

// Buffered returns the number of bunches waiting for a sequence gap to close
func (c *Channel) Buffered() int { return len(c.inQueue) + len(c.held) }

// CloseReason returns why the channel is closing or closed
func (c *Channel) CloseReason() CloseReason { return c.closeReason }

func (c *Channel) String() string {
	return fmt.Sprintf("%s channel %d (%s)", c.typ, c.index, c.state)
}

// Send queues data for transmission on the channel.
// Data larger than the maximum bunch size is split into partial bunches.
func (c *Channel) Send(data []byte, reliable bool) error {
	if c.conn.Closed() {
		return ErrConnectionClosed
	}
	if c.state == ChannelClosing || c.state == ChannelClosed {
		return ErrChannelClosed
	}

	max := c.conn.cfg.MaxBunchSize
	n := 1
	if len(data) > max {
		n = (len(data) + max - 1) / max
	}

	if reliable && len(c.unacked)+n > c.conn.cfg.MaxUnackedReliable {
		err := fmt.Errorf("%v: %d unacked bunches: %w", c, len(c.unacked), ErrReliableBufferOverflow)
		c.conn.fail(err)
		return err
	}

	for i := 0; i < n; i++ {
		end := (i + 1) * max
		if end > len(data) {
			end = len(data)
		}

		b := &Bunch{
			ChIndex:  c.index,
			ChType:   c.typ,
			Reliable: reliable,
			Data:     data[i*max : end],
		}

		switch {
		case n == 1:
			b.Partial = PartialNone
		case i == 0:
			b.Partial = PartialInitial
		case i == n-1:
			b.Partial = PartialFinal
		default:
			b.Partial = PartialMiddle
		}

		c.queue(b)
	}

	return nil
}

func (c *Channel) queue(b *Bunch) *outBunch {
	ob := &outBunch{Bunch: b, ch: c}
	b.Gen = c.gen
	if b.Reliable {
		c.outReliable++
		b.Seq = c.outReliable
		c.unacked = append(c.unacked, ob)
	}

	c.conn.enqueue(ob)
	return ob
}

// sendOpen queues the reliable bunch announcing a locally opened channel
func (c *Channel) sendOpen() {
	c.queue(&Bunch{
		ChIndex:  c.index,
		ChType:   c.typ,
		Reliable: true,
		Open:     true,
	})
}

// Close starts a graceful close.
// The channel stays in ChannelClosing until every reliable bunch
// including the close notification has been acknowledged.
func (c *Channel) Close(reason CloseReason) error {
	if c.state == ChannelClosing || c.state == ChannelClosed {
		return nil
	}
	if c.conn.Closed() {
		return ErrConnectionClosed
	}

	c.closeReason = reason
	c.state = ChannelClosing
	c.conn.unbindEntity(c)

	ob := c.queue(&Bunch{
		ChIndex:     c.index,
		ChType:      c.typ,
		Reliable:    true,
		Close:       true,
		CloseReason: reason,
	})
	c.closeSeq = ob.Seq

	c.conn.log.Debug("closing channel",
		zapChannel(c), zapReason(reason))

	return nil
}

// fail closes the channel because the peer violated the protocol,
// pending reliable sends are abandoned
func (c *Channel) fail(err error) {
	if c.state == ChannelClosed || c.broken {
		return
	}

	c.broken = true
	c.resetReceive()
	for _, ob := range c.unacked {
		ob.dropped = true
	}
	c.unacked = nil

	chErr := &ChannelError{Index: c.index, Reason: ReasonError, Err: err}
	c.conn.log.Info("channel failed", zapChannel(c), zapError(err))
	c.conn.notifyChannelError(chErr)

	if c.state == ChannelClosing {
		c.closeReason = ReasonError
		c.tryFinishClose()
		return
	}

	c.Close(ReasonError)
}

// bunchAcked is called when a packet carrying ob is acknowledged
func (c *Channel) bunchAcked(ob *outBunch) {
	if ob.acked || ob.dropped {
		return
	}
	ob.acked = true

	for i, u := range c.unacked {
		if u == ob {
			c.unacked = append(c.unacked[:i], c.unacked[i+1:]...)
			break
		}
	}

	if ob.Open && c.state == ChannelPending {
		c.state = ChannelOpen
	}

	c.tryFinishClose()
}

// bunchNaked is called when a packet carrying ob is presumed lost
func (c *Channel) bunchNaked(ob *outBunch) {
	if !ob.Reliable || ob.acked || ob.dropped || c.state == ChannelClosed {
		return
	}

	c.conn.resend(ob)
}

func (c *Channel) tryFinishClose() {
	if c.state != ChannelClosing || len(c.unacked) > 0 {
		return
	}

	c.finish(c.closeReason)
}

// finish releases the channel index and notifies the handler
func (c *Channel) finish(reason CloseReason) {
	if c.state == ChannelClosed {
		return
	}

	c.state = ChannelClosed
	c.closeReason = reason
	c.resetReceive()
	for _, ob := range c.unacked {
		ob.dropped = true
	}
	c.unacked = nil

	c.conn.releaseChannel(c)
	c.handler.OnClose(c, reason)
}

func (c *Channel) resetReceive() {
	c.inQueue = make(map[uint32]*Bunch)
	c.maxQueued = 0
	c.held = nil
	c.partial = nil
}
