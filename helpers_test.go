package repnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1600000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

// recorder collects the channel events of one Connection
type recorder struct {
	opened []uint16
	msgs   map[uint16][][]byte
	closed map[uint16]CloseReason

	connErr  error
	connDone bool
	chErrs   []*ChannelError
}

func newRecorder() *recorder {
	return &recorder{
		msgs:   make(map[uint16][][]byte),
		closed: make(map[uint16]CloseReason),
	}
}

func (r *recorder) factory(ChannelType) ChannelHandler {
	return HandlerFuncs{
		Open: func(ch *Channel) {
			r.opened = append(r.opened, ch.Index())
		},
		Receive: func(ch *Channel, data []byte) {
			r.msgs[ch.Index()] = append(r.msgs[ch.Index()], append([]byte(nil), data...))
		},
		Close: func(ch *Channel, reason CloseReason) {
			r.closed[ch.Index()] = reason
		},
	}
}

func (r *recorder) OnConnectionClosed(c *Connection, err error) {
	r.connDone = true
	r.connErr = err
}

func (r *recorder) OnChannelError(c *Connection, err *ChannelError) {
	r.chErrs = append(r.chErrs, err)
}

func (r *recorder) strings(index uint16) []string {
	var s []string
	for _, m := range r.msgs[index] {
		s = append(s, string(m))
	}

	return s
}

func newTestConn(cfg ConnConfig, clock TimeProvider, name string) (*Connection, *recorder) {
	c := NewConnection(testAddr(name), cfg, clock, nil)
	r := newRecorder()
	c.SetHandlerFactory(r.factory)
	c.SetNotifier(r)

	return c, r
}

// newPair returns a listen and a connect Connection talking to each other
func newPair(cfg ConnConfig) (a, b *Connection, ra, rb *recorder, clock *fakeClock) {
	clock = newFakeClock()

	cfgA := cfg
	cfgA.Role = RoleListen
	cfgB := cfg
	cfgB.Role = RoleConnect

	a, ra = newTestConn(cfgA, clock, "a")
	b, rb = newTestConn(cfgB, clock, "b")
	return
}

// pump flushes from and delivers its packets to to,
// drop decides by packet sequence which packets get lost
func pump(t *testing.T, from, to *Connection, drop func(seq uint32) bool) int {
	t.Helper()

	pkts, err := from.Flush()
	require.NoError(t, err)

	for _, pkt := range pkts {
		p, err := ParsePacket(pkt)
		require.NoError(t, err)

		if drop != nil && drop(p.Seq) {
			continue
		}

		to.ReceivePacket(pkt)
	}

	return len(pkts)
}

// exchange pumps both directions n times without loss
func exchange(t *testing.T, a, b *Connection, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		pump(t, a, b, nil)
		pump(t, b, a, nil)
	}
}

func flushPackets(t *testing.T, c *Connection) []*Packet {
	t.Helper()

	pkts, err := c.Flush()
	require.NoError(t, err)

	var r []*Packet
	for _, pkt := range pkts {
		p, err := ParsePacket(pkt)
		require.NoError(t, err)
		r = append(r, p)
	}

	return r
}
