// Package ledger accrues time-weighted reward per participant from the
// per-tick zone snapshot. It is a pure consumer: single-threaded, no I/O,
// driven entirely by the session loop.
package ledger

import (
	"log"
	"math"
	"sort"

	"pulsegate.fit/internal/engine/identity"
)

// Ledger tracks per-participant totals and recent zone occupancy. Entries
// are created lazily on first sight and survive inactivity, device churn,
// and reassignment (via Migrate).
type Ledger struct {
	entries    map[identity.CanonicalID]*entry
	rates      map[string]float64
	historyCap int
	log        *log.Logger
}

type entry struct {
	id     identity.CanonicalID
	total  float64
	zone   string // "" when not zone-active this tick
	recent []string
}

// Entry is the read-model view of one participant's ledger state.
type Entry struct {
	ID          identity.CanonicalID `json:"id"`
	Total       float64              `json:"total"`
	CurrentZone string               `json:"current_zone,omitempty"`
	RecentZones []string             `json:"recent_zones,omitempty"`
}

// New builds a ledger with the given per-zone reward rates (units per
// second). Invalid rates were already zeroed at catalog load; a second
// guard here keeps the accrual path total-safe regardless.
func New(rates map[string]float64, historyCap int, logger *log.Logger) *Ledger {
	if historyCap <= 0 {
		historyCap = 150
	}
	clean := make(map[string]float64, len(rates))
	for zone, rate := range rates {
		if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			if logger != nil {
				logger.Printf("invalid rate %v for zone %q treated as zero", rate, zone)
			}
			rate = 0
		}
		clean[zone] = rate
	}
	return &Ledger{
		entries:    map[identity.CanonicalID]*entry{},
		rates:      clean,
		historyCap: historyCap,
		log:        logger,
	}
}

// Track ensures an entry exists for id without accruing anything.
func (l *Ledger) Track(id identity.CanonicalID) {
	l.lookup(id)
}

// ProcessTick accrues intervalSeconds worth of reward for every active
// participant and pauses everyone else. zones maps canonical id to the
// zone occupied this tick; ids absent from the map are inactive and keep
// their totals with zone cleared.
func (l *Ledger) ProcessTick(intervalSeconds float64, zones map[identity.CanonicalID]string) {
	if intervalSeconds < 0 || math.IsNaN(intervalSeconds) || math.IsInf(intervalSeconds, 0) {
		intervalSeconds = 0
	}
	for id, zone := range zones {
		e := l.lookup(id)
		e.total += intervalSeconds * l.rates[zone]
		e.zone = zone
		e.push(zone, l.historyCap)
	}
	for id, e := range l.entries {
		if _, active := zones[id]; !active {
			e.zone = ""
		}
	}
}

// Migrate moves oldID's cumulative total and occupancy history to newID
// and removes oldID. Calling it again with the same arguments is a no-op
// because oldID no longer exists.
func (l *Ledger) Migrate(oldID, newID identity.CanonicalID) {
	if oldID == newID {
		return
	}
	old, ok := l.entries[oldID]
	if !ok {
		return
	}
	dst := l.lookup(newID)
	dst.total += old.total
	dst.recent = append(dst.recent, old.recent...)
	if over := len(dst.recent) - l.historyCap; over > 0 {
		dst.recent = dst.recent[over:]
	}
	if dst.zone == "" {
		dst.zone = old.zone
	}
	delete(l.entries, oldID)
	if l.log != nil {
		l.log.Printf("migrated ledger %s -> %s (total %.1f)", identity.SeriesKey(oldID), identity.SeriesKey(newID), dst.total)
	}
}

// GetEntry returns the entry for id, if tracked. Pure read.
func (l *Ledger) GetEntry(id identity.CanonicalID) (Entry, bool) {
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.view(), true
}

// Snapshot returns every tracked entry sorted by id. Pure read.
func (l *Ledger) Snapshot() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) lookup(id identity.CanonicalID) *entry {
	e, ok := l.entries[id]
	if !ok {
		e = &entry{id: id}
		l.entries[id] = e
	}
	return e
}

// push appends to the bounded occupancy buffer, evicting the oldest entry
// past cap. This is the only mutation point for the buffer.
func (e *entry) push(zone string, capacity int) {
	e.recent = append(e.recent, zone)
	if len(e.recent) > capacity {
		e.recent = e.recent[1:]
	}
}

func (e *entry) view() Entry {
	recent := make([]string, len(e.recent))
	copy(recent, e.recent)
	return Entry{ID: e.id, Total: e.total, CurrentZone: e.zone, RecentZones: recent}
}
