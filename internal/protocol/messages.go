package protocol

// HELLO (device client -> server): announces a sensor and who is wearing it.
// Exactly one of profile_id / display_name steers identity: a known profile id
// attaches the device to that profile, otherwise a session guest is minted.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	DeviceID        string `json:"device_id"`
	Signal          string `json:"signal"` // "heart_rate" or "cadence"
	ProfileID       string `json:"profile_id,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> device client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	DeviceID        string `json:"device_id"`
	ParticipantID   string `json:"participant_id"`
	TickIntervalMs  int    `json:"tick_interval_ms"`
	ZonesDigest     string `json:"zones_digest,omitempty"`
}

// SAMPLE (device client -> server): one decoded sensor reading.
type SampleMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	DeviceID        string  `json:"device_id"`
	Value           float64 `json:"value"`
	RecordedAtMs    int64   `json:"recorded_at_ms,omitempty"`
}

// ACK (server -> device client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}

// SUBSCRIBE (observer -> server)
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Feeds           []string `json:"feeds,omitempty"` // subset of "tick","phase","challenge"; empty = all
}

// TICK (server -> observer): roster + ledger view for one tick.
type TickMsg struct {
	Type        string            `json:"type"`
	Tick        uint64            `json:"tick"`
	AtMs        int64             `json:"at_ms"`
	Phase       string            `json:"phase"`
	ActiveCount int               `json:"active_count"`
	Roster      []TickParticipant `json:"roster"`
}

type TickParticipant struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Zone      string  `json:"zone,omitempty"` // empty when not zone-active
	HeartRate float64 `json:"heart_rate,omitempty"`
	Cadence   float64 `json:"cadence,omitempty"`
	Active    bool    `json:"active"`
	Stage     string  `json:"stage"` // "fresh","inactive"
	Total     float64 `json:"total"`
	Devices   int     `json:"devices"`
}

// PHASE (server -> observer): one governance phase transition.
type PhaseMsg struct {
	Type    string             `json:"type"`
	Tick    uint64             `json:"tick"`
	AtMs    int64              `json:"at_ms"`
	From    string             `json:"from"`
	To      string             `json:"to"`
	Summary []RequirementState `json:"summary,omitempty"`
}

// RequirementState mirrors the policy engine's per-requirement summary.
type RequirementState struct {
	ZoneID       string   `json:"zone_id"`
	ZoneLabel    string   `json:"zone_label"`
	MinPercent   float64  `json:"min_percent"`
	Mode         string   `json:"mode"`
	Satisfied    bool     `json:"satisfied"`
	Satisfying   []string `json:"satisfying,omitempty"`
	Unsatisfying []string `json:"unsatisfying,omitempty"`
	Exempt       []string `json:"exempt,omitempty"`
}

// CHALLENGE (server -> observer): challenge lifecycle update.
type ChallengeMsg struct {
	Type       string `json:"type"`
	Tick       uint64 `json:"tick"`
	AtMs       int64  `json:"at_ms"`
	Status     string `json:"status"` // "active","succeeded","failed"
	TargetZone string `json:"target_zone"`
	DeadlineMs int64  `json:"deadline_ms,omitempty"`
}
