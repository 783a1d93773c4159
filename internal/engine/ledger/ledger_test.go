package ledger

import (
	"math"
	"testing"

	"pulsegate.fit/internal/engine/identity"
)

var testRates = map[string]float64{"cool": 0, "warm": 2, "hot": 4}

func zones(pairs ...string) map[identity.CanonicalID]string {
	out := map[identity.CanonicalID]string{}
	for i := 0; i+1 < len(pairs); i += 2 {
		out[identity.CanonicalID(pairs[i])] = pairs[i+1]
	}
	return out
}

func TestProcessTick_Accrual(t *testing.T) {
	l := New(testRates, 150, nil)

	l.ProcessTick(2, zones("profile:alice", "warm", "guest:G0001", "hot"))

	a, ok := l.GetEntry("profile:alice")
	if !ok || a.Total != 4 {
		t.Fatalf("alice = %+v ok=%v", a, ok)
	}
	g, _ := l.GetEntry("guest:G0001")
	if g.Total != 8 || g.CurrentZone != "hot" {
		t.Fatalf("guest = %+v", g)
	}
}

func TestProcessTick_TotalsNeverDecrease(t *testing.T) {
	l := New(testRates, 150, nil)

	prev := 0.0
	plans := []map[identity.CanonicalID]string{
		zones("profile:alice", "hot"),
		zones("profile:alice", "warm"),
		zones(), // inactive tick
		zones("profile:alice", "cool"), // zero-rate zone
		zones("profile:alice", "hot"),
	}
	for i, z := range plans {
		l.ProcessTick(2, z)
		e, _ := l.GetEntry("profile:alice")
		if e.Total < prev {
			t.Fatalf("tick %d: total decreased %v -> %v", i, prev, e.Total)
		}
		prev = e.Total
	}
}

func TestProcessTick_InactiveKeepsTotalClearsZone(t *testing.T) {
	l := New(testRates, 150, nil)

	l.ProcessTick(2, zones("profile:alice", "warm"))
	l.ProcessTick(2, zones())

	e, ok := l.GetEntry("profile:alice")
	if !ok {
		t.Fatalf("entry vanished on inactivity")
	}
	if e.Total != 4 {
		t.Fatalf("total = %v", e.Total)
	}
	if e.CurrentZone != "" {
		t.Fatalf("zone not cleared: %q", e.CurrentZone)
	}
}

func TestProcessTick_UnknownZoneAccruesZero(t *testing.T) {
	l := New(testRates, 150, nil)

	l.ProcessTick(2, zones("profile:alice", "ghost"))
	e, _ := l.GetEntry("profile:alice")
	if e.Total != 0 {
		t.Fatalf("unknown zone accrued %v", e.Total)
	}
	if e.CurrentZone != "ghost" {
		t.Fatalf("zone = %q", e.CurrentZone)
	}
}

func TestProcessTick_BadIntervalIsZero(t *testing.T) {
	l := New(testRates, 150, nil)

	l.ProcessTick(math.NaN(), zones("profile:alice", "hot"))
	l.ProcessTick(-5, zones("profile:alice", "hot"))
	e, _ := l.GetEntry("profile:alice")
	if e.Total != 0 {
		t.Fatalf("bad intervals accrued %v", e.Total)
	}
}

func TestTrack_CreatesZeroEntry(t *testing.T) {
	l := New(testRates, 150, nil)

	l.Track("guest:G0001")
	e, ok := l.GetEntry("guest:G0001")
	if !ok || e.Total != 0 || e.CurrentZone != "" {
		t.Fatalf("tracked entry = %+v ok=%v", e, ok)
	}
}

func TestMigrate(t *testing.T) {
	l := New(testRates, 150, nil)

	l.ProcessTick(2, zones("guest:G0001", "warm"))
	l.ProcessTick(2, zones("guest:G0001", "hot", "profile:alice", "warm"))

	l.Migrate("guest:G0001", "profile:alice")

	if _, ok := l.GetEntry("guest:G0001"); ok {
		t.Fatalf("old entry survived migration")
	}
	e, _ := l.GetEntry("profile:alice")
	if e.Total != 16 { // 4+8 guest + 4 alice
		t.Fatalf("merged total = %v", e.Total)
	}
	if len(e.RecentZones) != 3 {
		t.Fatalf("merged history = %v", e.RecentZones)
	}

	// Replayed migration is a no-op: the source is gone.
	l.Migrate("guest:G0001", "profile:alice")
	e2, _ := l.GetEntry("profile:alice")
	if e2.Total != e.Total {
		t.Fatalf("idempotence broken: %v -> %v", e.Total, e2.Total)
	}
}

func TestMigrate_ToUntrackedTarget(t *testing.T) {
	l := New(testRates, 150, nil)

	l.ProcessTick(2, zones("guest:G0001", "hot"))
	l.Migrate("guest:G0001", "profile:new")

	e, ok := l.GetEntry("profile:new")
	if !ok || e.Total != 8 {
		t.Fatalf("migrated into missing target: %+v ok=%v", e, ok)
	}
}

func TestHistoryBounded(t *testing.T) {
	l := New(testRates, 5, nil)

	for i := 0; i < 20; i++ {
		zone := "warm"
		if i >= 15 {
			zone = "hot"
		}
		l.ProcessTick(1, zones("profile:alice", zone))
	}
	e, _ := l.GetEntry("profile:alice")
	if len(e.RecentZones) != 5 {
		t.Fatalf("history len = %d, want 5", len(e.RecentZones))
	}
	for _, z := range e.RecentZones {
		if z != "hot" {
			t.Fatalf("oldest entries not evicted: %v", e.RecentZones)
		}
	}
}

func TestNew_ZeroesInvalidRates(t *testing.T) {
	l := New(map[string]float64{"warm": math.Inf(1), "hot": 4}, 150, nil)

	l.ProcessTick(1, zones("profile:alice", "warm"))
	e, _ := l.GetEntry("profile:alice")
	if e.Total != 0 {
		t.Fatalf("infinite rate accrued %v", e.Total)
	}
}

func TestSnapshot_SortedCopies(t *testing.T) {
	l := New(testRates, 150, nil)
	l.ProcessTick(1, zones("profile:bob", "warm", "guest:G0001", "hot", "profile:alice", "cool"))

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].ID >= snap[i].ID {
			t.Fatalf("snapshot not sorted: %v", snap)
		}
	}

	// Mutating the returned history must not touch the ledger.
	snap[0].RecentZones[0] = "tampered"
	again := l.Snapshot()
	if again[0].RecentZones[0] == "tampered" {
		t.Fatalf("snapshot aliases internal history")
	}
}
