package session

import (
	"math"
	"time"

	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/policy"
)

// step is the whole tick: apply buffered samples, decay devices, build
// the snapshot, feed the ledger, then the policy engine, in that order.
// Ledger-before-policy is a hard ordering guarantee: the gating decision
// must see the same zone data reward accrual used.
func (s *Session) step(now time.Time, pending []SampleEnvelope) {
	tick := s.tick.Load()

	s.applySamples(pending)
	s.pruneDevices(now)

	snap := s.buildSnapshot(now, tick)

	interval := s.TickInterval().Seconds()
	s.ledger.ProcessTick(interval, snap.Active)

	phases, challenges := s.policy.Evaluate(now, snap.Active)

	s.prevActive = map[identity.CanonicalID]bool{}
	for id := range snap.Active {
		s.prevActive[id] = true
	}
	s.lastSnap = snap

	s.logTick(snap)
	for _, ch := range phases {
		s.emitPhaseChange(tick, ch)
	}
	for _, ev := range challenges {
		s.emitChallengeEvent(tick, ev)
	}
	s.broadcastTick(snap)

	s.tick.Add(1)
}

// applySamples copies buffered ingest updates into the device table.
// Non-finite values are treated as "no sample"; one bad device never
// aborts the tick for the others.
func (s *Session) applySamples(pending []SampleEnvelope) {
	for _, env := range pending {
		if math.IsNaN(env.Value) || math.IsInf(env.Value, 0) || env.Value < 0 {
			continue
		}
		d, ok := s.devices[env.DeviceID]
		if !ok {
			// Unknown device: transport raced a prune. Drop the sample.
			continue
		}
		d.Value = env.Value
		d.LastSeen = env.At
	}
}

// pruneDevices removes devices silent past the prune timeout. The owning
// participant and its ledger entry survive; only the sensor goes away.
func (s *Session) pruneDevices(now time.Time) {
	prune := time.Duration(s.tune.PruneTimeoutMs) * time.Millisecond
	for id, d := range s.devices {
		if now.Sub(d.LastSeen) <= prune {
			continue
		}
		delete(s.devices, id)
		s.resolver.Detach(id)
		if s.log != nil {
			s.log.Printf("pruned device %s (silent > %s)", id, prune)
		}
	}
}

func (s *Session) logTick(snap *Snapshot) {
	if s.tickLogger == nil {
		return
	}
	entry := TickLogEntry{
		Tick:          snap.Tick,
		AtMs:          snap.At.UnixMilli(),
		Phase:         string(s.policy.State().Phase),
		ActiveCount:   len(snap.Active),
		NewlyActive:   seriesKeys(snap.NewlyActive),
		NewlyInactive: seriesKeys(snap.NewlyInactive),
		Dropped:       seriesKeys(snap.Dropped),
		Digest:        snap.digest(),
	}
	if err := s.tickLogger.WriteTick(entry); err != nil && s.log != nil {
		s.log.Printf("tick log: %v", err)
	}
}

func (s *Session) emitPhaseChange(tick uint64, ch policy.PhaseChange) {
	if s.log != nil {
		s.log.Printf("phase %s -> %s", ch.From, ch.To)
	}
	s.emitEvent(EventEntry{
		Tick: tick,
		AtMs: ch.At.UnixMilli(),
		Kind: EventPhase,
		From: string(ch.From),
		To:   string(ch.To),
	})
	s.broadcastPhase(tick, ch)
}

func (s *Session) emitChallengeEvent(tick uint64, ev policy.ChallengeEvent) {
	if s.log != nil {
		s.log.Printf("challenge %s (target %s)", ev.Status, ev.TargetZone)
	}
	s.emitEvent(EventEntry{
		Tick:   tick,
		AtMs:   ev.At.UnixMilli(),
		Kind:   EventChallenge,
		To:     string(ev.Status),
		Detail: ev.TargetZone,
	})
	s.broadcastChallenge(tick, ev)
}

func (s *Session) emitEvent(entry EventEntry) {
	if s.eventLogger == nil {
		return
	}
	if err := s.eventLogger.WriteEvent(entry); err != nil && s.log != nil {
		s.log.Printf("event log: %v", err)
	}
}
