package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Catalogs holds the static per-session configuration: effort zones,
// gating policies, and reward rates. Loading is strict about shape
// (malformed JSON is an error) but soft about semantics: out-of-range
// values are defaulted and reported once through Diagnostics, so a bad
// config degrades to "no gating / zero reward" instead of failing a tick.
type Catalogs struct {
	Zones    ZoneCatalog
	Policies PolicyCatalog
	Rates    RateCatalog
	Profiles []ProfileDef

	Diagnostics []string
}

type ZoneCatalog struct {
	Defs    map[string]ZoneDef
	Ordered []ZoneDef // ascending rank
	Digest  string
}

type ZoneDef struct {
	ID         string  `json:"id"`
	Label      string  `json:"label,omitempty"`
	Rank       int     `json:"rank"`
	MinPercent float64 `json:"min_percent"`
}

type PolicyCatalog struct {
	ByID   map[string]PolicyDef
	Digest string
}

type PolicyDef struct {
	ID           string           `json:"id"`
	Requirements []RequirementDef `json:"requirements"`
	HysteresisMs int              `json:"hysteresis_ms,omitempty"`
	GraceSeconds int              `json:"grace_seconds,omitempty"`
}

// RequirementDef maps a target zone to a participant-inclusion predicate.
type RequirementDef struct {
	ZoneID    string   `json:"zone_id"`
	Mode      string   `json:"mode"` // "all" or "any"
	ExemptIDs []string `json:"exempt_ids,omitempty"`
}

type RateCatalog struct {
	PerZone map[string]float64
	Digest  string
}

type ProfileDef struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MaxHeartRate int    `json:"max_heart_rate,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadZones(filepath.Join(configDir, "zones.json"), &c); err != nil {
		return nil, err
	}
	if err := loadPolicies(filepath.Join(configDir, "policies.json"), &c); err != nil {
		return nil, err
	}
	if err := loadRates(filepath.Join(configDir, "rates.json"), &c); err != nil {
		return nil, err
	}
	if err := loadProfiles(filepath.Join(configDir, "profiles.json"), &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// ForPercent returns the highest-ranked zone whose lower bound is at or
// below pct. Below the lowest bound, the lowest zone applies.
func (z ZoneCatalog) ForPercent(pct float64) (ZoneDef, bool) {
	if len(z.Ordered) == 0 || math.IsNaN(pct) {
		return ZoneDef{}, false
	}
	best := z.Ordered[0]
	for _, d := range z.Ordered {
		if pct >= d.MinPercent {
			best = d
		}
	}
	return best, true
}

// Satisfies reports whether zoneID meets or exceeds targetID by rank.
func (z ZoneCatalog) Satisfies(zoneID, targetID string) bool {
	zd, ok1 := z.Defs[zoneID]
	td, ok2 := z.Defs[targetID]
	return ok1 && ok2 && zd.Rank >= td.Rank
}

func (z ZoneCatalog) Label(zoneID string) string {
	d, ok := z.Defs[zoneID]
	if !ok {
		return zoneID
	}
	if d.Label != "" {
		return d.Label
	}
	return d.ID
}

func (c *Catalogs) diag(format string, args ...any) {
	c.Diagnostics = append(c.Diagnostics, fmt.Sprintf(format, args...))
}

func loadZones(path string, c *Catalogs) error {
	out := &c.Zones
	out.Defs = map[string]ZoneDef{}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			c.diag("zones.json missing; gating and reward disabled")
			return nil
		}
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []ZoneDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("zones.json: %w", err)
	}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("zones.json: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("zones.json: duplicate id %q", d.ID)
		}
		out.Defs[d.ID] = d
	}

	out.Ordered = make([]ZoneDef, 0, len(out.Defs))
	for _, d := range out.Defs {
		out.Ordered = append(out.Ordered, d)
	}
	sort.Slice(out.Ordered, func(i, j int) bool { return out.Ordered[i].Rank < out.Ordered[j].Rank })
	for i := 1; i < len(out.Ordered); i++ {
		if out.Ordered[i].Rank == out.Ordered[i-1].Rank {
			return fmt.Errorf("zones.json: ranks must be strictly increasing (%q vs %q)",
				out.Ordered[i-1].ID, out.Ordered[i].ID)
		}
		if out.Ordered[i].MinPercent < out.Ordered[i-1].MinPercent {
			c.diag("zones.json: %q bound below lower-ranked %q", out.Ordered[i].ID, out.Ordered[i-1].ID)
		}
	}
	return nil
}

func loadPolicies(path string, c *Catalogs) error {
	out := &c.Policies
	out.ByID = map[string]PolicyDef{}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			c.diag("policies.json missing; sessions run ungated")
			return nil
		}
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []PolicyDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("policies.json: %w", err)
	}
	for _, p := range defs {
		if p.ID == "" {
			return fmt.Errorf("policies.json: empty id")
		}
		// Semantic defects degrade: an unusable requirement is dropped with
		// a diagnostic rather than failing the load.
		kept := make([]RequirementDef, 0, len(p.Requirements))
		for _, req := range p.Requirements {
			if _, ok := c.Zones.Defs[req.ZoneID]; !ok {
				c.diag("policy %q: unknown zone %q, requirement dropped", p.ID, req.ZoneID)
				continue
			}
			switch req.Mode {
			case "all", "any":
			case "":
				req.Mode = "all"
			default:
				c.diag("policy %q: unknown mode %q, defaulting to all", p.ID, req.Mode)
				req.Mode = "all"
			}
			kept = append(kept, req)
		}
		p.Requirements = kept
		out.ByID[p.ID] = p
	}
	return nil
}

func loadRates(path string, c *Catalogs) error {
	out := &c.Rates
	out.PerZone = map[string]float64{}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			c.diag("rates.json missing; reward rate is zero")
			return nil
		}
		return err
	}
	out.Digest = sha256Hex(raw)

	var rates map[string]float64
	if err := json.Unmarshal(raw, &rates); err != nil {
		return fmt.Errorf("rates.json: %w", err)
	}
	for zone, rate := range rates {
		if _, ok := c.Zones.Defs[zone]; !ok {
			c.diag("rates.json: unknown zone %q ignored", zone)
			continue
		}
		if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			c.diag("rates.json: invalid rate %v for %q treated as zero", rate, zone)
			rate = 0
		}
		out.PerZone[zone] = rate
	}
	return nil
}

func loadProfiles(path string, c *Catalogs) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var defs []ProfileDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("profiles.json: %w", err)
	}
	for _, p := range defs {
		if p.ID == "" {
			return fmt.Errorf("profiles.json: empty id")
		}
		c.Profiles = append(c.Profiles, p)
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
