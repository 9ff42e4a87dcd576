package repnet

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// entityState is the replication state of one entity on one connection
type entityState struct {
	lastSent time.Time
	everSent bool

	relevant     bool
	lastRelevant time.Time
	regainedAt   time.Time

	tornOff bool
}

// Do runs f with the Driver locked, connections and channels
// must only be used from inside f or from channel handlers
func (d *Driver) Do(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f()
}

// replicate runs the relevancy and priority pass on every
// connection with a viewer, it runs with the Driver locked
func (d *Driver) replicate() {
	if d.cfg.Oracle == nil {
		return
	}

	conns := d.connections()
	if len(conns) == 0 {
		return
	}

	start := d.clock.Now()
	var deadline time.Time
	if d.cfg.Replication.TickBudget > 0 {
		deadline = start.Add(d.cfg.Replication.TickBudget)
	}

	entities := d.cfg.Oracle.Entities()

	d.rr %= len(conns)
	first := d.rr
	d.rr++

	for i := range conns {
		c := conns[(first+i)%len(conns)]
		if c.closed || c.viewer == nil {
			continue
		}

		d.replicateConn(c, entities, start, deadline)
	}
}

func (d *Driver) replicateConn(c *Connection, entities []*Entity, now, deadline time.Time) {
	states := d.states[c.id]
	rcfg := d.cfg.Replication
	o := d.cfg.Oracle

	for _, id := range sortedEntityIDs(states) {
		if _, ok := o.Entity(id); ok {
			continue
		}

		if ch, ok := c.EntityChannel(id); ok {
			ch.Close(ReasonDestroyed)
		}
		delete(states, id)
	}

	var cands []Candidate
	for _, e := range entities {
		st, ok := states[e.ID]
		if !ok {
			st = &entityState{}
			states[e.ID] = st
		}

		if st.tornOff {
			continue
		}

		ch, hasCh := c.EntityChannel(e.ID)

		if e.Flags.Has(FlagTornOff) {
			if hasCh {
				ch.Close(ReasonTearOff)
			}

			st.tornOff = true
			continue
		}

		if e.Flags.Has(FlagDormant) {
			if hasCh {
				ch.Close(ReasonDormancy)
			}

			st.relevant = false
			continue
		}

		if !IsRelevant(e, c.viewer, o) {
			st.relevant = false
			if hasCh && now.Sub(st.lastRelevant) >= rcfg.RelevantTimeout {
				ch.Close(ReasonRelevancy)
			}

			continue
		}

		if !st.relevant && st.everSent {
			st.regainedAt = now
		}
		st.relevant = true
		st.lastRelevant = now

		interval := UpdateInterval(e)
		since := now.Sub(st.lastSent)
		if !st.everSent {
			since = now.Sub(c.created)
			if since < interval {
				since = interval
			}
		}

		if hasCh && since < interval {
			continue
		}

		score := Priority(e, since)
		if !st.everSent {
			score *= rcfg.NeverSentBias
		} else if now.Sub(st.regainedAt) < rcfg.RelevantTimeout {
			score *= rcfg.RegainBias
		}

		if d.cfg.PriorityHook != nil {
			score = d.cfg.PriorityHook(e, c, score)
		}

		cands = append(cands, Candidate{
			Entity:   e,
			Priority: score,
			state:    st,
			channel:  ch,
		})
	}

	SortCandidates(cands)

	sent := 0
	for _, cand := range cands {
		if rcfg.MaxEntitiesPerTick > 0 && sent >= rcfg.MaxEntitiesPerTick {
			break
		}
		if !deadline.IsZero() && !d.clock.Now().Before(deadline) {
			break
		}
		if c.closed {
			return
		}

		if d.replicateEntity(c, cand) {
			sent++
		}
	}

	if deferred := len(cands) - sent; deferred > 0 {
		c.log.Debug("deferred entities", zap.Int("count", deferred))
	}
}

// replicateEntity opens the entity's channel if needed and sends
// an update, it reports whether the entity counts against the budget
func (d *Driver) replicateEntity(c *Connection, cand Candidate) bool {
	e := cand.Entity
	st := cand.state

	ch := cand.channel
	initial := false
	if ch == nil {
		var err error
		ch, err = c.OpenEntityChannel(e.ID)
		if errors.Is(err, ErrNoFreeChannel) {
			return false
		}
		if err != nil {
			c.log.Warn("open entity channel", zap.Uint32("entity", uint32(e.ID)), zap.Error(err))
			return false
		}

		initial = true
	}

	if d.cfg.Replicator != nil {
		data, reliable, err := d.cfg.Replicator.Replicate(c, e, initial)
		if err != nil {
			c.log.Warn("replicate", zap.Uint32("entity", uint32(e.ID)), zap.Error(err))
			return true
		}

		if len(data) > 0 || initial {
			if err := ch.Send(data, reliable || initial); err != nil {
				c.log.Debug("send update", zap.Uint32("entity", uint32(e.ID)), zap.Error(err))
			}
		}
	}

	st.lastSent = d.clock.Now()
	st.everSent = true

	return true
}

func sortedEntityIDs(states map[EntityID]*entityState) []EntityID {
	ids := make([]EntityID, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
