// Package identity owns the canonical participant key and the device
// assignment table. Every map, set, and series in the engine is keyed by
// CanonicalID; nothing else may construct one.
package identity

import "strings"

// CanonicalID is the single key used to index a participant across the
// ledger, roster, and policy state. Profile-backed participants and
// session guests get distinct, non-colliding shapes.
type CanonicalID string

const (
	profilePrefix = "profile:"
	guestPrefix   = "guest:"
)

func (id CanonicalID) IsGuest() bool {
	return strings.HasPrefix(string(id), guestPrefix)
}

func (id CanonicalID) IsProfile() bool {
	return strings.HasPrefix(string(id), profilePrefix)
}

// SeriesKey is the one place a CanonicalID becomes a raw string for
// timeline/series keys. Everything that keys per-participant data by
// string goes through here.
func SeriesKey(id CanonicalID) string { return string(id) }

// Participant is a resolved session member: either a registered profile
// or a session-scoped guest.
type Participant struct {
	ID    CanonicalID
	Name  string
	Guest bool

	// MaxHeartRate is used to turn raw bpm into a zone percentage.
	// Guests inherit the session default.
	MaxHeartRate int
}

// Profile is a registered user record from the (external) participant
// registry.
type Profile struct {
	ID           string
	Name         string
	MaxHeartRate int
}

// Registry is the external participant-registry collaborator.
type Registry interface {
	LookupProfile(id string) (Profile, bool)
}

// StaticRegistry is a fixed in-memory Registry, suitable for configs
// loaded once at session start and for tests.
type StaticRegistry struct {
	byID map[string]Profile
}

func NewStaticRegistry(profiles []Profile) *StaticRegistry {
	r := &StaticRegistry{byID: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		r.byID[p.ID] = p
	}
	return r
}

func (r *StaticRegistry) LookupProfile(id string) (Profile, bool) {
	if r == nil {
		return Profile{}, false
	}
	p, ok := r.byID[id]
	return p, ok
}
