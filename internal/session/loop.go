package session

import (
	"context"
	"time"
)

// Run drives the cooperative tick loop until ctx is cancelled or Stop is
// called. All session state is touched only from this goroutine; requests
// from other goroutines arrive on channels and are answered in between
// ticks, so callers always see a consistent, between-ticks view.
func (s *Session) Run(ctx context.Context) error {
	interval := s.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.finish()

	s.emitConfigDiagnostics(time.Now())

	var pending []SampleEnvelope

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case env := <-s.samples:
			pending = append(pending, env)
		case req := <-s.hello:
			s.handleHello(req)
		case req := <-s.reassign:
			s.handleReassign(req)
		case req := <-s.rosterQ:
			s.handleRoster(req)
		case req := <-s.ledgerQ:
			s.handleLedgerSnap(req)
		case req := <-s.entryQ:
			s.handleEntry(req)
		case req := <-s.stateQ:
			s.handleState(req)
		case req := <-s.resetQ:
			s.handleReset(req)
		case req := <-s.challengeQ:
			s.policy.TriggerChallenge(req.TargetZone)
		case req := <-s.observerJoin:
			s.handleObserverJoin(req)
		case id := <-s.observerLeave:
			delete(s.observers, id)
		case <-ticker.C:
			s.step(time.Now(), pending)
			pending = pending[:0]
		}
	}
}

// Stop ends the session. No tick fires after the loop observes it.
func (s *Session) Stop() { close(s.stop) }

// finish runs teardown exactly once when the loop exits: pending grace
// deadlines die with the policy engine, observers are released, and end
// callbacks fire.
func (s *Session) finish() {
	for _, o := range s.observers {
		close(o.out)
	}
	s.observers = map[string]*observerState{}
	for _, fn := range s.onEnd {
		fn()
	}
	if s.log != nil {
		s.log.Printf("session %s ended at tick %d", s.cfg.ID, s.tick.Load())
	}
}

// StepOnce advances the session by a single tick at the given wall time,
// draining any queued samples first. It exists for deterministic tests
// and replays; it must not be called while Run is active.
func (s *Session) StepOnce(now time.Time) uint64 {
	var pending []SampleEnvelope
	for {
		select {
		case env := <-s.samples:
			pending = append(pending, env)
			continue
		default:
		}
		break
	}
	tick := s.tick.Load()
	s.step(now, pending)
	return tick
}

func (s *Session) emitConfigDiagnostics(now time.Time) {
	for _, d := range s.cats.Diagnostics {
		if s.log != nil {
			s.log.Printf("config: %s", d)
		}
		s.emitEvent(EventEntry{
			Tick:   s.tick.Load(),
			AtMs:   now.UnixMilli(),
			Kind:   EventConfig,
			Detail: d,
		})
	}
}
