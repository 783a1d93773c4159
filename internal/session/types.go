package session

import (
	"log"
	"sync/atomic"
	"time"

	"pulsegate.fit/internal/engine/catalogs"
	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/ledger"
	"pulsegate.fit/internal/engine/policy"
	"pulsegate.fit/internal/engine/tuning"
)

type Config struct {
	ID       string
	PolicyID string
}

// Device is one reporting sensor. The table is owned by the session loop;
// ingest transports only hand samples over a channel, so every update
// becomes visible at the next tick boundary.
type Device struct {
	ID       string
	Signal   string
	Value    float64
	LastSeen time.Time
}

// Device decay stages.
const (
	StageFresh    = "fresh"
	StageInactive = "inactive"
)

// SampleEnvelope is a decoded reading queued for the next tick.
type SampleEnvelope struct {
	DeviceID string
	Value    float64
	At       time.Time
}

// Session is the per-activity context: device table, identity resolver,
// reward ledger, and policy engine behind one single-threaded loop.
// There is no process-wide session; construct one per activity.
type Session struct {
	cfg  Config
	tune tuning.Tuning
	cats *catalogs.Catalogs
	log  *log.Logger

	tick atomic.Uint64

	devices  map[string]*Device
	resolver *identity.Resolver
	ledger   *ledger.Ledger
	policy   *policy.Engine

	prevActive map[identity.CanonicalID]bool
	lastSnap   *Snapshot

	observers map[string]*observerState

	// Channels into the loop goroutine.
	samples       chan SampleEnvelope
	hello         chan helloReq
	reassign      chan reassignReq
	rosterQ       chan rosterReq
	ledgerQ       chan ledgerSnapReq
	entryQ        chan entryReq
	stateQ        chan stateReq
	resetQ        chan resetReq
	challengeQ    chan challengeReq
	observerJoin  chan ObserverJoinRequest
	observerLeave chan string
	stop          chan struct{}

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	eventLogger EventLogger

	onEnd []func()
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type EventLogger interface {
	WriteEvent(entry EventEntry) error
}

// TickLogEntry is the per-tick audit record.
type TickLogEntry struct {
	Tick          uint64   `json:"tick"`
	AtMs          int64    `json:"at_ms"`
	Phase         string   `json:"phase"`
	ActiveCount   int      `json:"active_count"`
	NewlyActive   []string `json:"newly_active,omitempty"`
	NewlyInactive []string `json:"newly_inactive,omitempty"`
	Dropped       []string `json:"dropped,omitempty"`
	Digest        string   `json:"digest"`
}

// Event kinds.
const (
	EventPhase     = "PHASE"
	EventChallenge = "CHALLENGE"
	EventMigrate   = "MIGRATE"
	EventConfig    = "CONFIG"
)

// EventEntry is one governance/identity audit record.
type EventEntry struct {
	Tick        uint64 `json:"tick"`
	AtMs        int64  `json:"at_ms"`
	Kind        string `json:"kind"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Participant string `json:"participant,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// RosterEntry is the presentation view of one participant.
type RosterEntry struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Guest     bool    `json:"guest,omitempty"`
	Devices   int     `json:"devices"`
	Stage     string  `json:"stage"`
	Zone      string  `json:"zone,omitempty"`
	HeartRate float64 `json:"heart_rate,omitempty"`
	Cadence   float64 `json:"cadence,omitempty"`
	Active    bool    `json:"active"`
	Total     float64 `json:"total"`
}

// ObserverJoinRequest subscribes a presentation client to the per-tick
// feeds. Out must be buffered; slow observers lose frames, never stall
// the loop.
type ObserverJoinRequest struct {
	SessionID string
	Out       chan []byte
	Feeds     map[string]bool // "tick","phase","challenge"; nil = all
}

type observerState struct {
	out   chan []byte
	feeds map[string]bool
}

type helloReq struct {
	DeviceID    string
	Signal      string
	ProfileID   string
	DisplayName string
	Resp        chan helloResp
}

type helloResp struct {
	ParticipantID string
	Code          string
	Err           string
}

type reassignReq struct {
	DeviceID  string
	ProfileID string
	GuestName string
	Resp      chan reassignResp
}

type reassignResp struct {
	ParticipantID string
	Migrated      bool
	Err           string
}

type rosterReq struct {
	Resp chan []RosterEntry
}

type ledgerSnapReq struct {
	Resp chan []ledger.Entry
}

type entryReq struct {
	ID   string
	Resp chan entryResp
}

type entryResp struct {
	Entry ledger.Entry
	Err   string
}

type stateReq struct {
	Resp chan policy.State
}

type resetReq struct {
	Resp chan struct{}
}

type challengeReq struct {
	TargetZone string
}
