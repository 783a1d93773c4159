package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	// Ingest (device -> server -> device).
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeSample  = "SAMPLE"
	TypeAck     = "ACK"

	// Observer (presentation -> server -> presentation).
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
	TypePhase     = "PHASE"
	TypeChallenge = "CHALLENGE"
)

// Signal types a device may report.
const (
	SignalHeartRate = "heart_rate"
	SignalCadence   = "cadence"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
