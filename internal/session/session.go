package session

import (
	"log"
	"time"

	"pulsegate.fit/internal/engine/catalogs"
	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/ledger"
	"pulsegate.fit/internal/engine/policy"
	"pulsegate.fit/internal/engine/tuning"
)

func New(cfg Config, cats *catalogs.Catalogs, tune tuning.Tuning, registry identity.Registry, logger *log.Logger) *Session {
	if registry == nil {
		registry = identity.NewStaticRegistry(nil)
	}

	pol, ok := cats.Policies.ByID[cfg.PolicyID]
	if !ok && cfg.PolicyID != "" && logger != nil {
		logger.Printf("policy %q not found; session runs ungated", cfg.PolicyID)
	}
	hysteresis := time.Duration(tune.HysteresisMs) * time.Millisecond
	if pol.HysteresisMs > 0 {
		hysteresis = time.Duration(pol.HysteresisMs) * time.Millisecond
	}
	grace := time.Duration(tune.GraceSeconds) * time.Second
	if pol.GraceSeconds > 0 {
		grace = time.Duration(pol.GraceSeconds) * time.Second
	}

	s := &Session{
		cfg:  cfg,
		tune: tune,
		cats: cats,
		log:  logger,

		devices:  map[string]*Device{},
		resolver: identity.NewResolver(registry, tune.DefaultMaxHeartRate),
		ledger:   ledger.New(cats.Rates.PerZone, tune.ZoneHistoryCap, logger),
		policy: policy.New(policy.Config{
			Policy:     pol,
			Zones:      cats.Zones,
			Hysteresis: hysteresis,
			Grace:      grace,
			Challenge: policy.ChallengeConfig{
				Enabled:          tune.Challenge.Enabled,
				MinInterval:      time.Duration(tune.Challenge.MinIntervalS) * time.Second,
				MaxInterval:      time.Duration(tune.Challenge.MaxIntervalS) * time.Second,
				Duration:         time.Duration(tune.Challenge.DurationS) * time.Second,
				ZonesAboveTarget: tune.Challenge.ZonesAboveTarget,
				FailGraceFactor:  tune.Challenge.FailGraceFactor,
			},
		}, logger),

		prevActive: map[identity.CanonicalID]bool{},
		observers:  map[string]*observerState{},

		samples:       make(chan SampleEnvelope, 4096),
		hello:         make(chan helloReq, 64),
		reassign:      make(chan reassignReq, 16),
		rosterQ:       make(chan rosterReq, 16),
		ledgerQ:       make(chan ledgerSnapReq, 16),
		entryQ:        make(chan entryReq, 16),
		stateQ:        make(chan stateReq, 16),
		resetQ:        make(chan resetReq, 4),
		challengeQ:    make(chan challengeReq, 4),
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerLeave: make(chan string, 16),
		stop:          make(chan struct{}),
	}
	return s
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.cfg.ID
}

func (s *Session) TickInterval() time.Duration {
	return time.Duration(s.tune.TickIntervalMs) * time.Millisecond
}

func (s *Session) ZonesDigest() string { return s.cats.Zones.Digest }

func (s *Session) CurrentTick() uint64 { return s.tick.Load() }

func (s *Session) SetTickLogger(l TickLogger)   { s.tickLogger = l }
func (s *Session) SetEventLogger(l EventLogger) { s.eventLogger = l }

// OnSessionEnd registers a callback fired once when the loop exits.
// Must be called before Run.
func (s *Session) OnSessionEnd(fn func()) {
	if fn != nil {
		s.onEnd = append(s.onEnd, fn)
	}
}
