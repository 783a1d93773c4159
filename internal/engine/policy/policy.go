// Package policy implements the governance state machine gating the
// session's media playback. It consumes the same per-tick zone snapshot
// as the ledger and never performs I/O; deadlines are tokens in the state
// checked against the tick clock, not free-running timers.
package policy

import (
	"log"
	"time"

	"pulsegate.fit/internal/engine/catalogs"
	"pulsegate.fit/internal/engine/identity"
)

type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseUnlocked Phase = "unlocked"
	PhaseWarning  Phase = "warning"
	PhaseLocked   Phase = "locked"
)

// Config carries the resolved knobs for one activation. Hysteresis and
// Grace already include any per-policy overrides.
type Config struct {
	Policy     catalogs.PolicyDef
	Zones      catalogs.ZoneCatalog
	Hysteresis time.Duration
	Grace      time.Duration
	Challenge  ChallengeConfig
}

// RequirementState is the evaluated summary for one requirement. It is
// populated from static zone metadata at construction so consumers never
// see a placeholder label before data arrives.
type RequirementState struct {
	ZoneID       string
	ZoneLabel    string
	MinPercent   float64
	Mode         string
	Satisfied    bool
	Satisfying   []identity.CanonicalID
	Unsatisfying []identity.CanonicalID
	Exempt       []identity.CanonicalID
}

// State is the externally visible governance state.
type State struct {
	Phase         Phase
	SatisfiedOnce bool
	Deadline      time.Time // zero when no grace countdown is running
	Summary       []RequirementState
	Challenge     ChallengeState
}

type PhaseChange struct {
	From    Phase
	To      Phase
	At      time.Time
	Summary []RequirementState
}

// Engine evaluates one policy for one activation. Single-threaded; the
// session loop is its only caller.
type Engine struct {
	cfg Config
	log *log.Logger

	phase          Phase
	satisfiedOnce  bool
	satisfiedSince time.Time // zero = continuity broken
	deadline       time.Time // zero = no grace deadline armed
	graceScale     float64   // shortens the next grace period after a failed challenge

	summary []RequirementState

	challenge challengeRuntime
}

func New(cfg Config, logger *log.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		log:        logger,
		phase:      PhasePending,
		graceScale: 1,
	}
	e.summary = e.staticSummary()
	e.challenge.init(cfg, time.Time{})
	return e
}

// Evaluate advances the state machine by one tick. zones maps canonical
// id to the zone occupied this tick; participants without a valid
// heart-rate reading are absent. Returned slices describe what changed.
func (e *Engine) Evaluate(now time.Time, zones map[identity.CanonicalID]string) ([]PhaseChange, []ChallengeEvent) {
	satisfied := e.evaluateRequirements(zones)

	var phases []PhaseChange
	transition := func(to Phase) {
		change := PhaseChange{From: e.phase, To: to, At: now, Summary: e.Summary()}
		e.phase = to
		phases = append(phases, change)
	}

	switch e.phase {
	case PhasePending:
		if satisfied {
			if e.satisfiedSince.IsZero() {
				e.satisfiedSince = now
			}
			if now.Sub(e.satisfiedSince) >= e.cfg.Hysteresis {
				// Sticky for the rest of the activation: from here on a
				// lost requirement degrades to warning, never back here.
				e.satisfiedOnce = true
				transition(PhaseUnlocked)
			}
		} else {
			e.satisfiedSince = time.Time{}
		}

	case PhaseUnlocked:
		if !satisfied {
			e.deadline = now.Add(time.Duration(float64(e.cfg.Grace) * e.graceScale))
			e.graceScale = 1
			transition(PhaseWarning)
		}

	case PhaseWarning:
		if satisfied {
			e.deadline = time.Time{}
			transition(PhaseUnlocked)
		} else if !e.deadline.IsZero() && !now.Before(e.deadline) {
			e.deadline = time.Time{}
			transition(PhaseLocked)
		}

	case PhaseLocked:
		// Only an explicit Reset leaves locked.
	}

	challenges := e.challenge.evaluate(e, now, zones)
	return phases, challenges
}

// Reset starts a new activation: pending phase, satisfaction forgotten,
// deadlines and challenge state cleared.
func (e *Engine) Reset(now time.Time) PhaseChange {
	change := PhaseChange{From: e.phase, To: PhasePending, At: now}
	e.phase = PhasePending
	e.satisfiedOnce = false
	e.satisfiedSince = time.Time{}
	e.deadline = time.Time{}
	e.graceScale = 1
	e.summary = e.staticSummary()
	e.challenge.init(e.cfg, now)
	change.Summary = e.Summary()
	if e.log != nil {
		e.log.Printf("policy %s reset (%s -> pending)", e.cfg.Policy.ID, change.From)
	}
	return change
}

func (e *Engine) State() State {
	return State{
		Phase:         e.phase,
		SatisfiedOnce: e.satisfiedOnce,
		Deadline:      e.deadline,
		Summary:       e.Summary(),
		Challenge:     e.challenge.state(),
	}
}

// Summary returns a copy of the last evaluated requirement summary.
func (e *Engine) Summary() []RequirementState {
	out := make([]RequirementState, len(e.summary))
	for i, r := range e.summary {
		out[i] = r
		out[i].Satisfying = append([]identity.CanonicalID(nil), r.Satisfying...)
		out[i].Unsatisfying = append([]identity.CanonicalID(nil), r.Unsatisfying...)
		out[i].Exempt = append([]identity.CanonicalID(nil), r.Exempt...)
	}
	return out
}

// evaluateRequirements recomputes the per-requirement summary and returns
// whether the policy as a whole is satisfied. A policy with no usable
// requirements gates nothing (config defects degrade to "no gating").
// With real requirements, zero active participants is unsatisfied.
func (e *Engine) evaluateRequirements(zones map[identity.CanonicalID]string) bool {
	reqs := e.cfg.Policy.Requirements
	if len(reqs) == 0 {
		return true
	}

	all := true
	e.summary = e.summary[:0]
	for _, req := range reqs {
		st := RequirementState{
			ZoneID:     req.ZoneID,
			ZoneLabel:  e.cfg.Zones.Label(req.ZoneID),
			MinPercent: e.zoneMinPercent(req.ZoneID),
			Mode:       req.Mode,
		}
		exempt := map[identity.CanonicalID]bool{}
		for _, raw := range req.ExemptIDs {
			exempt[identity.CanonicalID(raw)] = true
		}

		considered := 0
		hits := 0
		for id, zone := range zones {
			if exempt[id] {
				st.Exempt = append(st.Exempt, id)
				continue
			}
			considered++
			if e.cfg.Zones.Satisfies(zone, req.ZoneID) {
				hits++
				st.Satisfying = append(st.Satisfying, id)
			} else {
				st.Unsatisfying = append(st.Unsatisfying, id)
			}
		}

		switch req.Mode {
		case "any":
			st.Satisfied = hits > 0
		default: // "all"
			st.Satisfied = considered > 0 && hits == considered
		}
		if !st.Satisfied {
			all = false
		}
		e.summary = append(e.summary, st)
	}
	return all
}

// staticSummary builds the pre-data summary from zone/policy metadata:
// real labels and thresholds, satisfaction false/empty.
func (e *Engine) staticSummary() []RequirementState {
	out := make([]RequirementState, 0, len(e.cfg.Policy.Requirements))
	for _, req := range e.cfg.Policy.Requirements {
		out = append(out, RequirementState{
			ZoneID:     req.ZoneID,
			ZoneLabel:  e.cfg.Zones.Label(req.ZoneID),
			MinPercent: e.zoneMinPercent(req.ZoneID),
			Mode:       req.Mode,
		})
	}
	return out
}

func (e *Engine) zoneMinPercent(zoneID string) float64 {
	if d, ok := e.cfg.Zones.Defs[zoneID]; ok {
		return d.MinPercent
	}
	return 0
}
