package repnet

import (
	"errors"
	"net"

	"go.uber.org/zap"
)

// maxDatagramSize is the largest datagram the socket reader accepts
const maxDatagramSize = 1 << 16

type datagram struct {
	data []byte
	addr net.Addr
}

// Attach makes the Driver read from and write to pc.
// Datagrams are queued by a reader goroutine and handled by Tick.
// The Driver closes pc when it is closed.
func (d *Driver) Attach(pc net.PacketConn) {
	d.mu.Lock()
	d.pc = pc
	d.mu.Unlock()

	d.log.Info("attached socket", zap.Stringer("local", pc.LocalAddr()))

	d.wg.Add(1)
	go d.readLoop(pc)
}

// LocalAddr returns the address of the attached socket
func (d *Driver) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pc == nil {
		return nil
	}

	return d.pc.LocalAddr()
}

func (d *Driver) readLoop(pc net.PacketConn) {
	defer d.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case <-d.done:
				return
			default:
			}

			d.log.Debug("read failed", zap.Error(err))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case d.inbound <- datagram{data: data, addr: addr}:
		case <-d.done:
			return
		default:
			d.log.Debug("inbound queue full, dropping datagram", zap.Stringer("addr", addr))
		}
	}
}

// drainInbound handles every queued datagram, it runs with the Driver locked
func (d *Driver) drainInbound() {
	for {
		select {
		case dg := <-d.inbound:
			if err := d.receive(dg.data, dg.addr); err != nil {
				d.logReceiveError(dg.addr, err)
			}
		default:
			return
		}
	}
}

func (d *Driver) logReceiveError(addr net.Addr, err error) {
	switch {
	case errors.Is(err, ErrSequenceViolation), errors.Is(err, ErrMalformedPacket):
		d.log.Debug("dropped packet", zap.Stringer("addr", addr), zap.Error(err))
	case errors.Is(err, ErrBanned), errors.Is(err, ErrConnLimitReached):
		d.log.Info("rejected peer", zap.Stringer("addr", addr), zap.Error(err))
	default:
		d.log.Warn("receive failed", zap.Stringer("addr", addr), zap.Error(err))
	}
}
