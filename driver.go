package repnet

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// A Replicator produces the payload of an entity update.
// initial is set for the first update on a new channel.
// An empty payload skips the update.
type Replicator interface {
	Replicate(c *Connection, e *Entity, initial bool) (data []byte, reliable bool, err error)
}

// ReplicatorFunc adapts a function to a Replicator
type ReplicatorFunc func(c *Connection, e *Entity, initial bool) ([]byte, bool, error)

// Replicate calls f
func (f ReplicatorFunc) Replicate(c *Connection, e *Entity, initial bool) ([]byte, bool, error) {
	return f(c, e, initial)
}

// DriverConfig describes a Driver
type DriverConfig struct {
	Name        string
	Role        Role
	Conn        ConnConfig
	Replication ReplicationConfig

	Clock  TimeProvider
	Logger *zap.Logger

	Oracle     RelevancyOracle
	Replicator Replicator
	Handlers   HandlerFactory
	// Notifier is called with the Driver locked
	// and must not call back into it
	Notifier Notifier

	// Store provides the ban list and session log, it may be nil
	Store *Store
	// PriorityHook rescales entity priorities, it may be nil
	PriorityHook PriorityHook

	// Accept completes the handshake with a new peer,
	// nil accepts every peer that passes the ban and limit checks
	Accept func(addr net.Addr, data []byte) bool
	// Send writes a packet, nil writes to the attached socket
	Send func(addr net.Addr, data []byte) error
	// OnConnection is called with the Driver locked for every new connection
	OnConnection func(c *Connection)

	InboundQueue int
}

// Accept is the outcome of AcceptIncoming
type Accept struct {
	ConnID ConnID
	// New is set if the packet comes from an unknown peer
	// that may be added with AddConnection
	New bool
}

// A Driver owns the connections of one role and replicates
// entities to them. All methods are safe for concurrent use.
type Driver struct {
	mu sync.Mutex

	name  string
	role  Role
	cfg   DriverConfig
	clock TimeProvider
	log   *zap.Logger

	pc      net.PacketConn
	inbound chan datagram
	done    chan struct{}
	wg      sync.WaitGroup

	conns  map[ConnID]*Connection
	byAddr map[string]ConnID
	states map[ConnID]map[EntityID]*entityState
	nextID ConnID
	// rr rotates the connection served first by the replication pass
	rr int

	closed bool
}

// NewDriver returns a Driver described by cfg
func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 1024
	}
	cfg.Conn.Role = cfg.Role
	cfg.Replication = cfg.Replication.normalize()

	return &Driver{
		name:    cfg.Name,
		role:    cfg.Role,
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger.With(zap.String("driver", cfg.Name), zap.Stringer("role", cfg.Role)),
		inbound: make(chan datagram, cfg.InboundQueue),
		done:    make(chan struct{}),
		conns:   make(map[ConnID]*Connection),
		byAddr:  make(map[string]ConnID),
		states:  make(map[ConnID]map[EntityID]*entityState),
	}
}

// Name returns the name of the Driver
func (d *Driver) Name() string { return d.name }

// Role returns the role of the Driver
func (d *Driver) Role() Role { return d.role }

// Connection returns the connection with the given id
func (d *Driver) Connection(id ConnID) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.conns[id]
	return c, ok
}

// ConnectionByAddr returns the connection to addr
func (d *Driver) ConnectionByAddr(addr net.Addr) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byAddr[addr.String()]
	if !ok {
		return nil, false
	}

	return d.conns[id], true
}

// Connections returns all connections ordered by id
func (d *Driver) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.connections()
}

// ConnCount reports how many connections the Driver has
func (d *Driver) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.conns)
}

func (d *Driver) connections() []*Connection {
	r := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		r = append(r, c)
	}

	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })
	return r
}

// AcceptIncoming classifies a packet from addr: packets of known
// peers return their ConnID, packets of unknown peers are checked
// against the ban list and the connection limit.
func (d *Driver) AcceptIncoming(data []byte, addr net.Addr) (Accept, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.acceptIncoming(data, addr)
}

func (d *Driver) acceptIncoming(data []byte, addr net.Addr) (Accept, error) {
	if d.closed {
		return Accept{}, ErrConnectionClosed
	}
	if addr == nil {
		return Accept{}, ErrNoRemoteAddress
	}

	if id, ok := d.byAddr[addr.String()]; ok {
		return Accept{ConnID: id}, nil
	}

	if d.role != RoleListen {
		return Accept{}, fmt.Errorf("%s: %w", addr, ErrUnknownPeer)
	}

	if _, err := ParsePacket(data); err != nil {
		return Accept{}, err
	}

	if d.cfg.Store != nil {
		banned, reason, err := d.cfg.Store.IsBanned(BanHost(addr))
		if err != nil {
			return Accept{}, err
		}

		if banned {
			return Accept{}, fmt.Errorf("%s (%s): %w", addr, reason, ErrBanned)
		}
	}

	if max := d.cfg.Replication.MaxConnections; max > 0 && len(d.conns) >= max {
		return Accept{}, ErrConnLimitReached
	}

	return Accept{New: true}, nil
}

// AddConnection creates the connection to addr after its handshake
func (d *Driver) AddConnection(addr net.Addr) (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.addConnection(addr)
}

func (d *Driver) addConnection(addr net.Addr) (*Connection, error) {
	if d.closed {
		return nil, ErrConnectionClosed
	}
	if addr == nil {
		return nil, ErrNoRemoteAddress
	}
	if _, ok := d.byAddr[addr.String()]; ok {
		return nil, fmt.Errorf("%s: %w", addr, ErrAlreadyConnected)
	}

	d.nextID++
	c := NewConnection(addr, d.cfg.Conn, d.clock, d.log)
	c.id = d.nextID
	c.log = c.log.With(zapConn(c))
	c.SetHandlerFactory(d.cfg.Handlers)
	c.SetNotifier(driverNotifier{d})

	d.conns[c.id] = c
	d.byAddr[addr.String()] = c.id
	d.states[c.id] = make(map[EntityID]*entityState)

	d.log.Info("connection added", zapConn(c), zap.Stringer("addr", addr))

	if d.cfg.OnConnection != nil {
		d.cfg.OnConnection(c)
	}

	return c, nil
}

// Connect creates the connection to a remote listen Driver
func (d *Driver) Connect(addr net.Addr) (*Connection, error) {
	return d.AddConnection(addr)
}

// OwningConnection returns the connection whose viewer owns entity,
// either directly or through its owner chain
func (d *Driver) OwningConnection(id EntityID) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Oracle == nil {
		return nil, false
	}

	e, ok := d.cfg.Oracle.Entity(id)
	if !ok {
		return nil, false
	}

	for _, c := range d.connections() {
		v := c.viewer
		if v == nil || v.RealViewer == 0 {
			continue
		}

		if e.ID == v.RealViewer || OwnerChainContains(e, v.RealViewer, d.cfg.Oracle) {
			return c, true
		}
	}

	return nil, false
}

// CloseConnection tears the connection with the given id down
func (d *Driver) CloseConnection(id ConnID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.conns[id]
	if !ok {
		return ErrConnectionClosed
	}

	c.Close()
	return nil
}

// Tick runs one driver step: inbound packets are received,
// connection timers run, entities are replicated and
// outgoing packets are flushed.
// Timers use the driver clock, dt is informational.
func (d *Driver) Tick(dt time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrConnectionClosed
	}

	d.drainInbound()

	for _, c := range d.connections() {
		if err := c.Dispatch(c.EndReceive()); err != nil {
			continue
		}

		if err := c.Tick(); err != nil {
			d.log.Debug("connection tick", zapConn(c), zap.Error(err))
		}
	}

	d.replicate()

	var errs []error
	for _, c := range d.connections() {
		if err := d.flush(c); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ReceiveFrom handles a packet from addr the way the socket
// reader would, it is meant for drivers without a socket
func (d *Driver) ReceiveFrom(data []byte, addr net.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.receive(data, addr)
}

func (d *Driver) receive(data []byte, addr net.Addr) error {
	acc, err := d.acceptIncoming(data, addr)
	if err != nil {
		return err
	}

	c := d.conns[acc.ConnID]
	if acc.New {
		if d.cfg.Accept != nil && !d.cfg.Accept(addr, data) {
			return fmt.Errorf("%s: handshake rejected", addr)
		}

		if c, err = d.addConnection(addr); err != nil {
			return err
		}
	}

	return c.ReceivePacket(data)
}

func (d *Driver) flush(c *Connection) error {
	pkts, err := c.Flush()
	for _, pkt := range pkts {
		if werr := d.write(c.addr, pkt); werr != nil {
			d.log.Warn("write failed", zapConn(c), zap.Error(werr))
			break
		}
	}

	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return fmt.Errorf("flush %s: %w", c.addr, err)
	}

	return nil
}

func (d *Driver) write(addr net.Addr, data []byte) error {
	if d.cfg.Send != nil {
		return d.cfg.Send(addr, data)
	}
	if d.pc == nil {
		return ErrNotListening
	}

	_, err := d.pc.WriteTo(data, addr)
	return err
}

// Close tears every connection down and stops the socket reader
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	for _, c := range d.connections() {
		c.Close()
	}
	d.closed = true
	close(d.done)

	var err error
	if d.pc != nil {
		err = d.pc.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("driver closed")

	return err
}

// driverNotifier removes terminated connections from the Driver,
// it runs with the Driver locked
type driverNotifier struct {
	d *Driver
}

func (n driverNotifier) OnConnectionClosed(c *Connection, err error) {
	d := n.d
	delete(d.conns, c.id)
	delete(d.byAddr, c.addr.String())
	delete(d.states, c.id)

	d.log.Info("connection removed", zapConn(c), zap.Error(err))

	if d.cfg.Store != nil {
		reason := "closed"
		if err != nil {
			reason = err.Error()
		}

		rec := SessionRecord{
			Driver: d.name,
			Addr:   c.addr.String(),
			Opened: c.created,
			Closed: d.clock.Now(),
			Reason: reason,
			Stats:  c.stats,
		}
		if serr := d.cfg.Store.LogSession(rec); serr != nil {
			d.log.Warn("session log", zap.Error(serr))
		}
	}

	if d.cfg.Notifier != nil {
		d.cfg.Notifier.OnConnectionClosed(c, err)
	}
}

func (n driverNotifier) OnChannelError(c *Connection, err *ChannelError) {
	n.d.log.Debug("channel error", zapConn(c), zap.Error(err))

	if n.d.cfg.Notifier != nil {
		n.d.cfg.Notifier.OnChannelError(c, err)
	}
}
