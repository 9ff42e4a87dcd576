package repnet

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPacket        = errors.New("malformed packet")
	ErrSequenceViolation      = errors.New("stale or duplicate packet sequence")
	ErrFragmentation          = errors.New("partial bunch out of order")
	ErrChannelIndexInUse      = errors.New("channel index in use")
	ErrReliableBufferOverflow = errors.New("reliable buffer overflow")
	ErrConnectionTimeout      = errors.New("connection timed out")
)

var (
	ErrNoFreeChannel      = errors.New("no free channel index")
	ErrChannelIndexRange  = errors.New("channel index out of range")
	ErrChannelClosed      = errors.New("channel closed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrSequenceExhausted  = errors.New("packet sequence space exhausted")
	ErrBunchTooLarge      = errors.New("bunch does not fit into a packet")
	ErrUnknownPeer        = errors.New("packet from unknown peer")
	ErrBanned             = errors.New("address is banned")
	ErrConnLimitReached   = errors.New("connection limit reached")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrDriverExists       = errors.New("driver already exists")
	ErrUnknownDriver      = errors.New("unknown driver definition")
	ErrEntityHasChannel   = errors.New("entity already has a channel")
	ErrNotListening       = errors.New("driver does not accept connections")
	ErrNoRemoteAddress    = errors.New("no remote address")
)

// A ChannelError reports why a channel was closed by the protocol
// rather than by the application
type ChannelError struct {
	Index  uint16
	Reason CloseReason
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d closed (%s): %v", e.Index, e.Reason, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
