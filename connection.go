package repnet

import (
	"fmt"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ConnID identifies a Connection within its Driver
type ConnID uint32

// Role is the side of the conversation a Driver or Connection is on
type Role uint8

const (
	RoleListen Role = iota
	RoleConnect
)

func (r Role) String() string {
	if r == RoleConnect {
		return "connect"
	}

	return "listen"
}

// ReceivePolicy decides what happens to packets that skip a sequence
type ReceivePolicy uint8

const (
	// ReceiveImmediate accepts packets past a gap right away,
	// the skipped sequences are lost
	ReceiveImmediate ReceivePolicy = iota
	// ReceiveReorder holds packets past a gap until EndReceive
	ReceiveReorder
)

func (p ReceivePolicy) String() string {
	if p == ReceiveReorder {
		return "reorder"
	}

	return "immediate"
}

// A Notifier is told about terminal connection and channel events
type Notifier interface {
	OnConnectionClosed(c *Connection, err error)
	OnChannelError(c *Connection, err *ChannelError)
}

type tombstone struct {
	gen    uint8
	remote bool
}

type sentPacket struct {
	seq     uint32
	sent    time.Time
	bunches []*outBunch
}

// A Connection is the state of one peer: packet sequencing,
// acknowledgment and its channels.
// It is not safe for concurrent use, the Driver serializes access.
type Connection struct {
	id       ConnID
	addr     net.Addr
	cfg      ConnConfig
	clock    TimeProvider
	log      *zap.Logger
	factory  HandlerFactory
	notifier Notifier

	closed   bool
	closeErr error

	outSeq      uint32
	lastRecv    uint32
	recvHistory uint32
	lastAcked   uint32
	ackPending  bool

	outstanding []*sentPacket
	sendQueue   []*outBunch
	resendQueue []*outBunch
	reorder     map[uint32]*Packet

	channels map[uint16]*Channel
	tombs    map[uint16]tombstone
	gens     map[uint16]uint8
	entities map[EntityID]uint16
	reserved map[uint16]bool

	created      time.Time
	lastRecvTime time.Time
	lastSendTime time.Time

	viewer *Viewer
	stats  Stats
}

// NewConnection returns a Connection to addr.
// A nil clock uses the system time, a nil logger discards everything.
func NewConnection(addr net.Addr, cfg ConnConfig, clock TimeProvider, log *zap.Logger) *Connection {
	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	cfg = cfg.normalize()

	now := clock.Now()
	c := &Connection{
		addr:         addr,
		cfg:          cfg,
		clock:        clock,
		log:          log,
		outSeq:       cfg.InitialSequence,
		lastRecv:     cfg.PeerInitialSequence,
		lastAcked:    cfg.InitialSequence,
		reorder:      make(map[uint32]*Packet),
		channels:     make(map[uint16]*Channel),
		tombs:        make(map[uint16]tombstone),
		gens:         make(map[uint16]uint8),
		entities:     make(map[EntityID]uint16),
		reserved:     make(map[uint16]bool),
		created:      now,
		lastRecvTime: now,
		lastSendTime: now,
	}

	for _, idx := range cfg.ReservedChannels {
		c.reserved[idx] = true
	}

	if addr != nil {
		c.log = c.log.With(zap.Stringer("addr", addr))
	}

	return c
}

// ID returns the ConnID assigned by the Driver
func (c *Connection) ID() ConnID { return c.id }

// Addr returns the remote address of the Connection
func (c *Connection) Addr() net.Addr { return c.addr }

// Role returns the role the Connection was created with
func (c *Connection) Role() Role { return c.cfg.Role }

// Config returns the effective configuration of the Connection
func (c *Connection) Config() ConnConfig { return c.cfg }

// SetHandlerFactory sets the factory creating handlers for new channels
func (c *Connection) SetHandlerFactory(f HandlerFactory) { c.factory = f }

// SetNotifier sets the receiver of terminal events
func (c *Connection) SetNotifier(n Notifier) { c.notifier = n }

// Viewer returns the viewer replication is computed for
func (c *Connection) Viewer() *Viewer { return c.viewer }

// SetViewer sets the viewer replication is computed for,
// a nil viewer excludes the Connection from replication
func (c *Connection) SetViewer(v *Viewer) { c.viewer = v }

// Closed reports whether the Connection has been torn down
func (c *Connection) Closed() bool { return c.closed }

// Err returns the error that tore the Connection down, if any
func (c *Connection) Err() error { return c.closeErr }

// OutgoingSequence returns the sequence of the last packet sent
func (c *Connection) OutgoingSequence() uint32 { return c.outSeq }

// LastReceivedSequence returns the highest accepted peer sequence
func (c *Connection) LastReceivedSequence() uint32 { return c.lastRecv }

// LastAckedSequence returns the highest sequence acknowledged by the peer
func (c *Connection) LastAckedSequence() uint32 { return c.lastAcked }

// Outstanding returns the number of sent packets awaiting acknowledgment
func (c *Connection) Outstanding() int { return len(c.outstanding) }

// Stats returns a copy of the traffic counters
func (c *Connection) Stats() Stats { return c.stats }

// Created returns when the Connection was created
func (c *Connection) Created() time.Time { return c.created }

// Channel returns the channel at index
func (c *Connection) Channel(index uint16) (*Channel, bool) {
	ch, ok := c.channels[index]
	return ch, ok
}

// Channels returns all channels ordered by index
func (c *Connection) Channels() []*Channel {
	r := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		r = append(r, ch)
	}

	sort.Slice(r, func(i, j int) bool { return r[i].index < r[j].index })
	return r
}

// EntityChannel returns the channel replicating id
func (c *Connection) EntityChannel(id EntityID) (*Channel, bool) {
	idx, ok := c.entities[id]
	if !ok {
		return nil, false
	}

	return c.Channel(idx)
}

// OpenChannel opens a channel of type t at the next free index
func (c *Connection) OpenChannel(t ChannelType) (*Channel, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}

	idx, err := c.allocIndex()
	if err != nil {
		return nil, err
	}

	return c.openAt(idx, t), nil
}

// OpenChannelAt opens a channel of type t at a fixed index,
// reserved indices may only be opened this way
func (c *Connection) OpenChannelAt(index uint16, t ChannelType) (*Channel, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if int(index) >= c.cfg.MaxChannels {
		return nil, fmt.Errorf("%d: %w", index, ErrChannelIndexRange)
	}
	if _, ok := c.channels[index]; ok {
		return nil, fmt.Errorf("%d: %w", index, ErrChannelIndexInUse)
	}

	return c.openAt(index, t), nil
}

// OpenEntityChannel opens an actor channel replicating id
func (c *Connection) OpenEntityChannel(id EntityID) (*Channel, error) {
	if _, ok := c.entities[id]; ok {
		return nil, fmt.Errorf("entity %d: %w", id, ErrEntityHasChannel)
	}

	ch, err := c.OpenChannel(ChannelActor)
	if err != nil {
		return nil, err
	}

	ch.entity = id
	ch.hasEntity = true
	c.entities[id] = ch.index

	return ch, nil
}

// CloseChannel starts a graceful close of the channel at index
func (c *Connection) CloseChannel(index uint16, reason CloseReason) error {
	ch, ok := c.channels[index]
	if !ok {
		return fmt.Errorf("%d: %w", index, ErrChannelClosed)
	}

	return ch.Close(reason)
}

// Send queues a single bunch on the channel it names.
// Reliable bunches get the channel's next reliable sequence.
func (c *Connection) Send(b *Bunch) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if len(b.Data) > c.cfg.MaxBunchSize {
		return ErrBunchTooLarge
	}

	ch, ok := c.channels[b.ChIndex]
	if !ok || ch.state == ChannelClosing || ch.state == ChannelClosed {
		return fmt.Errorf("%d: %w", b.ChIndex, ErrChannelClosed)
	}

	if b.Reliable && len(ch.unacked) >= c.cfg.MaxUnackedReliable {
		err := fmt.Errorf("%v: %w", ch, ErrReliableBufferOverflow)
		c.fail(err)
		return err
	}

	b = b.clone()
	b.ChType = ch.typ
	b.Open = false
	b.Close = false
	ch.queue(b)

	return nil
}

// Close tears the Connection down immediately,
// queued and unacknowledged data is discarded
func (c *Connection) Close() {
	c.teardown(ReasonRequested, nil)
}

func (c *Connection) fail(err error) {
	c.teardown(ReasonError, err)
}

func (c *Connection) teardown(reason CloseReason, err error) {
	if c.closed {
		return
	}

	c.closed = true
	c.closeErr = err

	for _, ch := range c.Channels() {
		ch.finish(reason)
	}

	c.sendQueue = nil
	c.resendQueue = nil
	c.outstanding = nil
	c.reorder = make(map[uint32]*Packet)
	c.entities = make(map[EntityID]uint16)

	if err != nil {
		c.log.Info("connection failed", zap.Error(err))
	} else {
		c.log.Debug("connection closed")
	}

	if c.notifier != nil {
		c.notifier.OnConnectionClosed(c, err)
	}
}

// Tick runs the timers of the Connection
func (c *Connection) Tick() error {
	if c.closed {
		return ErrConnectionClosed
	}

	now := c.clock.Now()
	if c.cfg.Timeout > 0 && now.Sub(c.lastRecvTime) > c.cfg.Timeout {
		err := fmt.Errorf("no traffic for %v: %w", now.Sub(c.lastRecvTime), ErrConnectionTimeout)
		c.fail(err)
		return err
	}

	if c.cfg.AckTimeout > 0 {
		i := 0
		for ; i < len(c.outstanding); i++ {
			sp := c.outstanding[i]
			if now.Sub(sp.sent) < c.cfg.AckTimeout {
				break
			}

			c.packetNaked(sp)
		}

		c.outstanding = c.outstanding[i:]
	}

	return nil
}

func (c *Connection) allocIndex() (uint16, error) {
	free := func(idx uint16) bool {
		_, used := c.channels[idx]
		return !used && !c.reserved[idx]
	}

	if c.cfg.Role == RoleConnect {
		for i := c.cfg.MaxChannels - 1; i >= 0; i-- {
			if free(uint16(i)) {
				return uint16(i), nil
			}
		}
	} else {
		for i := 0; i < c.cfg.MaxChannels; i++ {
			if free(uint16(i)) {
				return uint16(i), nil
			}
		}
	}

	return 0, ErrNoFreeChannel
}

func (c *Connection) newChannel(index uint16, t ChannelType, local bool) *Channel {
	var h ChannelHandler
	if c.factory != nil {
		h = c.factory(t)
	}
	if h == nil {
		h = HandlerFuncs{}
	}

	ch := &Channel{
		conn:    c,
		index:   index,
		typ:     t,
		handler: h,
		local:   local,
		inQueue: make(map[uint32]*Bunch),
	}
	c.channels[index] = ch
	delete(c.tombs, index)

	return ch
}

func (c *Connection) openAt(index uint16, t ChannelType) *Channel {
	gen := c.gens[index] + 1
	if gen == 0 {
		gen = 1
	}
	c.gens[index] = gen

	ch := c.newChannel(index, t, true)
	ch.gen = gen
	ch.state = ChannelPending
	ch.sendOpen()

	c.log.Debug("opened channel", zapChannel(ch))
	ch.handler.OnOpen(ch)

	return ch
}

func (c *Connection) unbindEntity(ch *Channel) {
	if !ch.hasEntity {
		return
	}

	if idx, ok := c.entities[ch.entity]; ok && idx == ch.index {
		delete(c.entities, ch.entity)
	}
}

// releaseChannel frees the index of a closed channel
func (c *Connection) releaseChannel(ch *Channel) {
	c.unbindEntity(ch)
	if c.channels[ch.index] != ch {
		return
	}

	delete(c.channels, ch.index)
	c.tombs[ch.index] = tombstone{gen: ch.gen, remote: !ch.local}
}

func (c *Connection) notifyChannelError(err *ChannelError) {
	if c.notifier != nil {
		c.notifier.OnChannelError(c, err)
	}
}
