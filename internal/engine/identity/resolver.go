package identity

import (
	"fmt"
	"sort"
	"strings"
)

// Resolver maps transient device ids to canonical participant ids. It is
// the only producer of CanonicalID values. Not safe for concurrent use;
// the session loop is its single caller.
type Resolver struct {
	registry     Registry
	defaultMaxHR int

	assignments  map[string]CanonicalID
	participants map[CanonicalID]*Participant

	nextGuestNum uint64
}

// Migration describes a ledger hand-off caused by a reassignment. Migrate
// is set when the detached participant has no devices left, i.e. the old
// identity is being absorbed into the new one (guest promotion being the
// common case).
type Migration struct {
	From    CanonicalID
	To      CanonicalID
	Migrate bool
}

func NewResolver(registry Registry, defaultMaxHR int) *Resolver {
	if defaultMaxHR <= 0 {
		defaultMaxHR = 190
	}
	return &Resolver{
		registry:     registry,
		defaultMaxHR: defaultMaxHR,
		assignments:  map[string]CanonicalID{},
		participants: map[CanonicalID]*Participant{},
	}
}

// Resolve returns the canonical id for a device, or false when the device
// has no assignment. It is a pure lookup: no fallback id scheme, no
// side effects.
func (r *Resolver) Resolve(deviceID string) (CanonicalID, bool) {
	id, ok := r.assignments[deviceID]
	return id, ok
}

func (r *Resolver) Participant(id CanonicalID) (Participant, bool) {
	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns all known participants sorted by id for stable
// roster output.
func (r *Resolver) Participants() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeviceCount returns how many devices are currently assigned to id.
func (r *Resolver) DeviceCount(id CanonicalID) int {
	n := 0
	for _, owner := range r.assignments {
		if owner == id {
			n++
		}
	}
	return n
}

// AttachProfile assigns a device to a registered profile, creating the
// session participant on first sight. A device already assigned elsewhere
// is detached first; the returned Migration says whether the ledger entry
// of the previous owner must move.
func (r *Resolver) AttachProfile(deviceID, profileID string) (CanonicalID, Migration, error) {
	prof, ok := r.registry.LookupProfile(profileID)
	if !ok {
		return "", Migration{}, fmt.Errorf("unknown profile %q", profileID)
	}
	id := CanonicalID(profilePrefix + prof.ID)
	if _, exists := r.participants[id]; !exists {
		maxHR := prof.MaxHeartRate
		if maxHR <= 0 {
			maxHR = r.defaultMaxHR
		}
		r.participants[id] = &Participant{ID: id, Name: prof.Name, MaxHeartRate: maxHR}
	}
	mig := r.attach(deviceID, id)
	return id, mig, nil
}

// AttachGuest assigns a device to a fresh session guest. Guest ids are
// deterministic counter ids so they never collide with each other or with
// profile ids.
func (r *Resolver) AttachGuest(deviceID, name string) (CanonicalID, Migration) {
	r.nextGuestNum++
	id := CanonicalID(fmt.Sprintf("%sG%04d", guestPrefix, r.nextGuestNum))
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("Guest %d", r.nextGuestNum)
	}
	r.participants[id] = &Participant{ID: id, Name: name, Guest: true, MaxHeartRate: r.defaultMaxHR}
	mig := r.attach(deviceID, id)
	return id, mig
}

// Reassign moves a device to an already-known participant.
func (r *Resolver) Reassign(deviceID string, to CanonicalID) (Migration, error) {
	if _, ok := r.participants[to]; !ok {
		return Migration{}, fmt.Errorf("unknown participant %q", to)
	}
	if cur, ok := r.assignments[deviceID]; ok && cur == to {
		return Migration{}, nil
	}
	if _, ok := r.assignments[deviceID]; !ok {
		return Migration{}, fmt.Errorf("unknown device %q", deviceID)
	}
	return r.attach(deviceID, to), nil
}

// Detach removes a device assignment (pruned device). The participant and
// its ledger entry survive.
func (r *Resolver) Detach(deviceID string) {
	delete(r.assignments, deviceID)
}

func (r *Resolver) attach(deviceID string, to CanonicalID) Migration {
	old, had := r.assignments[deviceID]
	r.assignments[deviceID] = to
	if !had || old == to {
		return Migration{}
	}
	mig := Migration{From: old, To: to}
	if r.DeviceCount(old) == 0 {
		// The old identity is orphaned: its history follows the wearer.
		mig.Migrate = true
		if p := r.participants[old]; p != nil && p.Guest {
			delete(r.participants, old)
		}
	}
	return mig
}
