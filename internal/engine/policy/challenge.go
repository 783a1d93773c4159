package policy

import (
	"math/rand"
	"time"

	"pulsegate.fit/internal/engine/identity"
)

type ChallengeStatus string

const (
	ChallengeIdle      ChallengeStatus = "idle"
	ChallengeActive    ChallengeStatus = "active"
	ChallengeSucceeded ChallengeStatus = "succeeded"
	ChallengeFailed    ChallengeStatus = "failed"
)

type ChallengeConfig struct {
	Enabled          bool
	MinInterval      time.Duration
	MaxInterval      time.Duration
	Duration         time.Duration
	ZonesAboveTarget int
	FailGraceFactor  float64

	// Seed fixes the randomized trigger schedule; 0 means time-seeded.
	Seed int64
}

// ChallengeState is the externally visible challenge sub-state. Status is
// idle or active; transient outcomes are reported via ChallengeEvent and
// remembered in LastOutcome.
type ChallengeState struct {
	Status      ChallengeStatus
	TargetZone  string
	Deadline    time.Time
	LastOutcome ChallengeStatus
}

type ChallengeEvent struct {
	Status     ChallengeStatus
	TargetZone string
	At         time.Time
	Deadline   time.Time
}

// challengeRuntime is the engine-internal challenge machine. Challenges
// run only while the governance phase is unlocked and never change the
// phase themselves; a failed challenge shortens the next grace period.
type challengeRuntime struct {
	cfg ChallengeConfig

	status      ChallengeStatus
	targetZone  string
	deadline    time.Time
	lastOutcome ChallengeStatus

	nextAt         time.Time
	pendingTrigger bool
	pendingTarget  string

	rng *rand.Rand
}

func (c *challengeRuntime) init(cfg Config, now time.Time) {
	c.cfg = cfg.Challenge
	c.status = ChallengeIdle
	c.targetZone = ""
	c.deadline = time.Time{}
	c.lastOutcome = ""
	c.pendingTrigger = false
	c.pendingTarget = ""
	seed := cfg.Challenge.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c.rng = rand.New(rand.NewSource(seed))
	c.nextAt = time.Time{}
	if c.cfg.Enabled && !now.IsZero() {
		c.schedule(now)
	}
}

// trigger queues an explicit challenge; it starts at the next evaluation
// while unlocked. targetZone may be empty to use the computed target.
func (c *challengeRuntime) trigger(targetZone string) {
	c.pendingTrigger = true
	c.pendingTarget = targetZone
}

func (c *challengeRuntime) evaluate(e *Engine, now time.Time, zones map[identity.CanonicalID]string) []ChallengeEvent {
	if e.phase != PhaseUnlocked {
		if c.status == ChallengeActive {
			// Governance degraded mid-challenge; drop it without penalty.
			c.status = ChallengeIdle
			c.deadline = time.Time{}
			c.schedule(now)
		}
		return nil
	}

	if c.nextAt.IsZero() && c.cfg.Enabled {
		c.schedule(now)
	}

	var events []ChallengeEvent

	if c.status == ChallengeActive {
		switch {
		case c.cleared(e, zones):
			c.lastOutcome = ChallengeSucceeded
			events = append(events, ChallengeEvent{Status: ChallengeSucceeded, TargetZone: c.targetZone, At: now})
			c.finish(now)
		case !now.Before(c.deadline):
			c.lastOutcome = ChallengeFailed
			e.graceScale = c.cfg.FailGraceFactor
			events = append(events, ChallengeEvent{Status: ChallengeFailed, TargetZone: c.targetZone, At: now})
			c.finish(now)
		}
		return events
	}

	start := c.pendingTrigger || (c.cfg.Enabled && !c.nextAt.IsZero() && !now.Before(c.nextAt))
	if !start {
		return nil
	}
	target := c.pendingTarget
	if target == "" {
		target = e.challengeTarget()
	}
	c.pendingTrigger = false
	c.pendingTarget = ""
	if target == "" {
		return nil
	}
	c.status = ChallengeActive
	c.targetZone = target
	c.deadline = now.Add(c.cfg.Duration)
	events = append(events, ChallengeEvent{Status: ChallengeActive, TargetZone: target, At: now, Deadline: c.deadline})
	return events
}

// cleared reports whether every non-exempt active participant has reached
// the challenge target zone this tick.
func (c *challengeRuntime) cleared(e *Engine, zones map[identity.CanonicalID]string) bool {
	exempt := map[identity.CanonicalID]bool{}
	for _, req := range e.cfg.Policy.Requirements {
		for _, raw := range req.ExemptIDs {
			exempt[identity.CanonicalID(raw)] = true
		}
	}
	considered := 0
	for id, zone := range zones {
		if exempt[id] {
			continue
		}
		considered++
		if !e.cfg.Zones.Satisfies(zone, c.targetZone) {
			return false
		}
	}
	return considered > 0
}

func (c *challengeRuntime) finish(now time.Time) {
	c.status = ChallengeIdle
	c.targetZone = ""
	c.deadline = time.Time{}
	c.schedule(now)
}

func (c *challengeRuntime) schedule(now time.Time) {
	if !c.cfg.Enabled || c.cfg.MinInterval <= 0 {
		c.nextAt = time.Time{}
		return
	}
	span := c.cfg.MaxInterval - c.cfg.MinInterval
	wait := c.cfg.MinInterval
	if span > 0 {
		wait += time.Duration(c.rng.Int63n(int64(span) + 1))
	}
	c.nextAt = now.Add(wait)
}

func (c *challengeRuntime) state() ChallengeState {
	return ChallengeState{
		Status:      c.status,
		TargetZone:  c.targetZone,
		Deadline:    c.deadline,
		LastOutcome: c.lastOutcome,
	}
}

// TriggerChallenge queues an explicit challenge for the next tick while
// unlocked. An empty target uses the zone one step above the strictest
// requirement.
func (e *Engine) TriggerChallenge(targetZone string) {
	e.challenge.trigger(targetZone)
}

// challengeTarget picks the default challenge zone: the strictest
// requirement zone raised by the configured number of ranks, clamped to
// the top of the zone ladder.
func (e *Engine) challengeTarget() string {
	ordered := e.cfg.Zones.Ordered
	if len(ordered) == 0 {
		return ""
	}
	baseIdx := -1
	for _, req := range e.cfg.Policy.Requirements {
		for i, d := range ordered {
			if d.ID == req.ZoneID && i > baseIdx {
				baseIdx = i
			}
		}
	}
	if baseIdx < 0 {
		return ""
	}
	idx := baseIdx + e.cfg.Challenge.ZonesAboveTarget
	if idx >= len(ordered) {
		idx = len(ordered) - 1
	}
	return ordered[idx].ID
}
