package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/protocol"
)

// Snapshot is the immutable per-tick view consumed by the ledger and the
// policy engine. Active holds the zone per zone-active participant and is
// the only input either consumer keys on.
type Snapshot struct {
	Tick uint64
	At   time.Time

	Participants map[identity.CanonicalID]*ParticipantTick

	// Active maps canonical id -> zone for participants with a valid,
	// fresh heart-rate reading this tick.
	Active map[identity.CanonicalID]string

	NewlyActive   []identity.CanonicalID
	NewlyInactive []identity.CanonicalID
	Dropped       []identity.CanonicalID
}

// ParticipantTick is one participant's contribution to a snapshot.
type ParticipantTick struct {
	ID        identity.CanonicalID
	HeartRate float64
	HRAt      time.Time
	Cadence   float64
	Zone      string
	Active    bool
	Stage     string
	Devices   int
	LastSeen  time.Time
}

// buildSnapshot groups fresh device samples by canonical id and computes
// zone activity. Each device is handled independently: an unresolved or
// malformed device drops out without affecting the rest of the tick.
func (s *Session) buildSnapshot(now time.Time, tick uint64) *Snapshot {
	snap := &Snapshot{
		Tick:         tick,
		At:           now,
		Participants: map[identity.CanonicalID]*ParticipantTick{},
		Active:       map[identity.CanonicalID]string{},
	}

	fresh := time.Duration(s.tune.SampleFreshMs) * time.Millisecond
	inactive := time.Duration(s.tune.InactiveTimeoutMs) * time.Millisecond

	for _, d := range s.devices {
		id, ok := s.resolver.Resolve(d.ID)
		if !ok {
			// Identity defect: excluded from this tick, nothing else aborts.
			continue
		}
		pt := snap.Participants[id]
		if pt == nil {
			pt = &ParticipantTick{ID: id, Stage: StageFresh}
			snap.Participants[id] = pt
		}
		pt.Devices++
		if d.LastSeen.After(pt.LastSeen) {
			pt.LastSeen = d.LastSeen
		}

		if now.Sub(d.LastSeen) > fresh {
			// Silent but not yet pruned: keeps its roster slot, adds no
			// signal this tick.
			continue
		}

		switch d.Signal {
		case protocol.SignalHeartRate:
			if d.LastSeen.After(pt.HRAt) {
				pt.HeartRate = d.Value
				pt.HRAt = d.LastSeen
			}
		case protocol.SignalCadence:
			pt.Cadence = d.Value
		}
	}

	for _, pt := range snap.Participants {
		if now.Sub(pt.LastSeen) > inactive {
			pt.Stage = StageInactive
		}
	}

	for id, pt := range snap.Participants {
		if pt.HeartRate <= 0 {
			continue
		}
		participant, ok := s.resolver.Participant(id)
		if !ok || participant.MaxHeartRate <= 0 {
			continue
		}
		pct := pt.HeartRate / float64(participant.MaxHeartRate) * 100
		zone, ok := s.cats.Zones.ForPercent(pct)
		if !ok {
			continue
		}
		pt.Zone = zone.ID
		pt.Active = true
		pt.Stage = StageFresh
		snap.Active[id] = zone.ID
	}

	s.diffActive(snap)
	return snap
}

// diffActive fills the newly-active / newly-inactive / dropped lists
// against the previous tick's active set.
func (s *Session) diffActive(snap *Snapshot) {
	for id := range snap.Active {
		if !s.prevActive[id] {
			snap.NewlyActive = append(snap.NewlyActive, id)
		}
	}
	for id := range s.prevActive {
		if _, still := snap.Active[id]; still {
			continue
		}
		if _, present := snap.Participants[id]; present {
			snap.NewlyInactive = append(snap.NewlyInactive, id)
		} else {
			snap.Dropped = append(snap.Dropped, id)
		}
	}
	sortIDs(snap.NewlyActive)
	sortIDs(snap.NewlyInactive)
	sortIDs(snap.Dropped)
}

// digest hashes the tick's active set for the audit log, so replays can
// spot divergence cheaply.
func (snap *Snapshot) digest() string {
	type pair struct {
		ID   string `json:"id"`
		Zone string `json:"zone"`
	}
	pairs := make([]pair, 0, len(snap.Active))
	for id, zone := range snap.Active {
		pairs = append(pairs, pair{ID: identity.SeriesKey(id), Zone: zone})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	b, _ := json.Marshal(pairs)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sortIDs(ids []identity.CanonicalID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func seriesKeys(ids []identity.CanonicalID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = identity.SeriesKey(id)
	}
	return out
}
