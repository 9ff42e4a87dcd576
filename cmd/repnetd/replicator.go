package main

import (
	"github.com/HimbeerserverDE/repnet"
	cbor "github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// snapshot is the payload of an entity update
type snapshot struct {
	ID    repnet.EntityID `cbor:"1,keyasint"`
	Owner repnet.EntityID `cbor:"2,keyasint,omitempty"`
	X     float64         `cbor:"3,keyasint"`
	Y     float64         `cbor:"4,keyasint"`
	Z     float64         `cbor:"5,keyasint"`
	Flags string          `cbor:"6,keyasint,omitempty"`
}

// snapshotReplicator sends the full entity state with every update,
// the first one reliably
type snapshotReplicator struct{}

func (snapshotReplicator) Replicate(c *repnet.Connection, e *repnet.Entity, initial bool) ([]byte, bool, error) {
	data, err := cbor.Marshal(snapshot{
		ID:    e.ID,
		Owner: e.Owner,
		X:     e.Location.X,
		Y:     e.Location.Y,
		Z:     e.Location.Z,
		Flags: e.Flags.String(),
	})

	return data, initial, err
}

// logHandlers returns handlers logging every channel event
func logHandlers(log *zap.Logger) repnet.HandlerFactory {
	return func(t repnet.ChannelType) repnet.ChannelHandler {
		return repnet.HandlerFuncs{
			Open: func(ch *repnet.Channel) {
				log.Debug("channel open", zap.Stringer("type", t), zap.Uint16("ch", ch.Index()))
			},
			Receive: func(ch *repnet.Channel, data []byte) {
				if t != repnet.ChannelActor {
					log.Info("message", zap.Uint16("ch", ch.Index()), zap.ByteString("data", data))
					return
				}

				var s snapshot
				if err := cbor.Unmarshal(data, &s); err != nil {
					log.Warn("bad snapshot", zap.Uint16("ch", ch.Index()), zap.Error(err))
					return
				}

				log.Info("entity update",
					zap.Uint32("entity", uint32(s.ID)),
					zap.Float64("x", s.X), zap.Float64("y", s.Y), zap.Float64("z", s.Z),
					zap.String("flags", s.Flags))
			},
			Close: func(ch *repnet.Channel, reason repnet.CloseReason) {
				log.Debug("channel closed", zap.Uint16("ch", ch.Index()), zap.Stringer("reason", reason))
			},
		}
	}
}
