package session

import (
	"strings"
	"testing"
	"time"

	"pulsegate.fit/internal/engine/catalogs"
	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/tuning"
	"pulsegate.fit/internal/protocol"
)

func testCatalogs() *catalogs.Catalogs {
	defs := []catalogs.ZoneDef{
		{ID: "cool", Label: "Cool Down", Rank: 1, MinPercent: 0},
		{ID: "warm", Label: "Warm Up", Rank: 2, MinPercent: 65},
		{ID: "hot", Label: "Push", Rank: 3, MinPercent: 78},
	}
	zones := catalogs.ZoneCatalog{Defs: map[string]catalogs.ZoneDef{}, Ordered: defs, Digest: "test"}
	for _, d := range defs {
		zones.Defs[d.ID] = d
	}
	return &catalogs.Catalogs{
		Zones: zones,
		Policies: catalogs.PolicyCatalog{ByID: map[string]catalogs.PolicyDef{
			"gate": {ID: "gate", Requirements: []catalogs.RequirementDef{{ZoneID: "warm", Mode: "all"}}},
		}},
		Rates: catalogs.RateCatalog{PerZone: map[string]float64{"cool": 0, "warm": 2, "hot": 4}},
	}
}

func testRegistry() identity.Registry {
	return identity.NewStaticRegistry([]identity.Profile{
		{ID: "alice", Name: "Alice", MaxHeartRate: 200},
		{ID: "coach", Name: "Coach", MaxHeartRate: 185},
	})
}

func newTestSession(t *testing.T, policyID string) *Session {
	t.Helper()
	return New(Config{ID: "s1", PolicyID: policyID}, testCatalogs(), tuning.Defaults(), testRegistry(), nil)
}

// hello drives the loop-side handler directly; tests never run the loop.
func hello(t *testing.T, s *Session, deviceID, signal, profileID, name string) string {
	t.Helper()
	req := helloReq{DeviceID: deviceID, Signal: signal, ProfileID: profileID, DisplayName: name, Resp: make(chan helloResp, 1)}
	s.handleHello(req)
	resp := <-req.Resp
	if resp.Err != "" {
		t.Fatalf("hello %s: %s (%s)", deviceID, resp.Err, resp.Code)
	}
	return resp.ParticipantID
}

func sample(s *Session, deviceID string, value float64, at time.Time) {
	s.samples <- SampleEnvelope{DeviceID: deviceID, Value: value, At: at}
}

func TestHello_GuestAndProfile(t *testing.T) {
	s := newTestSession(t, "gate")

	gid := hello(t, s, "strap-1", protocol.SignalHeartRate, "", "Pat")
	if gid != "guest:G0001" {
		t.Fatalf("guest id = %q", gid)
	}
	pid := hello(t, s, "strap-2", protocol.SignalHeartRate, "alice", "")
	if pid != "profile:alice" {
		t.Fatalf("profile id = %q", pid)
	}

	// Reconnect keeps the assignment instead of minting a new guest.
	again := hello(t, s, "strap-1", protocol.SignalHeartRate, "", "")
	if again != gid {
		t.Fatalf("reconnect minted new id: %q != %q", again, gid)
	}
}

func TestHello_Validation(t *testing.T) {
	s := newTestSession(t, "gate")

	req := helloReq{DeviceID: "", Signal: protocol.SignalHeartRate, Resp: make(chan helloResp, 1)}
	s.handleHello(req)
	if resp := <-req.Resp; resp.Code != protocol.ErrBadRequest {
		t.Fatalf("empty device: %+v", resp)
	}

	req = helloReq{DeviceID: "strap-1", Signal: "steps", Resp: make(chan helloResp, 1)}
	s.handleHello(req)
	if resp := <-req.Resp; resp.Code != protocol.ErrBadRequest {
		t.Fatalf("bad signal: %+v", resp)
	}

	req = helloReq{DeviceID: "strap-1", Signal: protocol.SignalHeartRate, ProfileID: "nobody", Resp: make(chan helloResp, 1)}
	s.handleHello(req)
	if resp := <-req.Resp; resp.Code != protocol.ErrUnknownProfile {
		t.Fatalf("unknown profile: %+v", resp)
	}
}

func TestTick_HeartRateDrivesZoneAndReward(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	sample(s, "hr-1", 150, now) // 150/200 = 75% -> warm
	s.StepOnce(now)

	snap := s.lastSnap
	pt := snap.Participants["profile:alice"]
	if pt == nil || !pt.Active || pt.Zone != "warm" {
		t.Fatalf("participant tick = %+v", pt)
	}
	if snap.Active["profile:alice"] != "warm" {
		t.Fatalf("active map = %+v", snap.Active)
	}
	if len(snap.NewlyActive) != 1 || snap.NewlyActive[0] != "profile:alice" {
		t.Fatalf("newly active = %+v", snap.NewlyActive)
	}

	// One 2s tick in warm at rate 2/s.
	e, ok := s.ledger.GetEntry("profile:alice")
	if !ok || e.Total != 4 {
		t.Fatalf("ledger entry = %+v ok=%v", e, ok)
	}
}

func TestTick_CadenceNeverGates(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hello(t, s, "cad-1", protocol.SignalCadence, "alice", "")
	sample(s, "cad-1", 92, now)
	s.StepOnce(now)

	snap := s.lastSnap
	pt := snap.Participants["profile:alice"]
	if pt == nil || pt.Cadence != 92 {
		t.Fatalf("participant tick = %+v", pt)
	}
	if pt.Active || len(snap.Active) != 0 {
		t.Fatalf("cadence-only participant counted as zone-active: %+v", pt)
	}
	// Present in the roster, paused in the ledger.
	e, ok := s.ledger.GetEntry("profile:alice")
	if !ok || e.Total != 0 {
		t.Fatalf("ledger entry = %+v ok=%v", e, ok)
	}
}

func TestTick_MultiSensorMerge(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hr := hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	cad := hello(t, s, "cad-1", protocol.SignalCadence, "alice", "")
	if hr != cad {
		t.Fatalf("sensors split identity: %q vs %q", hr, cad)
	}

	sample(s, "hr-1", 160, now)
	sample(s, "cad-1", 88, now)
	s.StepOnce(now)

	pt := s.lastSnap.Participants["profile:alice"]
	if pt == nil || pt.Devices != 2 {
		t.Fatalf("participant tick = %+v", pt)
	}
	if pt.HeartRate != 160 || pt.Cadence != 88 {
		t.Fatalf("signals not merged: %+v", pt)
	}
	if pt.Zone != "hot" || !pt.Active { // 160/200 = 80%
		t.Fatalf("zone = %+v", pt)
	}
	// One participant, one reward stream.
	if got := len(s.ledger.Snapshot()); got != 1 {
		t.Fatalf("ledger entries = %d", got)
	}
}

func TestTick_NewestHeartRateWins(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	hello(t, s, "hr-2", protocol.SignalHeartRate, "alice", "")

	sample(s, "hr-1", 120, now.Add(-time.Second))
	sample(s, "hr-2", 170, now)
	s.StepOnce(now)

	pt := s.lastSnap.Participants["profile:alice"]
	if pt == nil || pt.HeartRate != 170 {
		t.Fatalf("participant tick = %+v", pt)
	}
}

func TestTick_StalenessStages(t *testing.T) {
	s := newTestSession(t, "gate")
	tune := s.tune
	now := time.Now()

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	sample(s, "hr-1", 150, now)
	s.StepOnce(now)
	if pt := s.lastSnap.Participants["profile:alice"]; !pt.Active || pt.Stage != StageFresh {
		t.Fatalf("fresh stage = %+v", pt)
	}

	// Past the fresh window: roster slot kept, zone activity gone.
	now = now.Add(time.Duration(tune.SampleFreshMs+1000) * time.Millisecond)
	s.StepOnce(now)
	pt := s.lastSnap.Participants["profile:alice"]
	if pt == nil || pt.Active {
		t.Fatalf("stale sample still zone-active: %+v", pt)
	}
	if len(s.lastSnap.NewlyInactive) != 1 {
		t.Fatalf("newly inactive = %+v", s.lastSnap.NewlyInactive)
	}

	// Past the inactive timeout: stage flips.
	now = now.Add(time.Duration(tune.InactiveTimeoutMs) * time.Millisecond)
	s.StepOnce(now)
	if pt := s.lastSnap.Participants["profile:alice"]; pt.Stage != StageInactive {
		t.Fatalf("stage = %+v", pt)
	}

	// Past the prune timeout: the device goes away, the participant and
	// ledger entry survive.
	now = now.Add(time.Duration(tune.PruneTimeoutMs) * time.Millisecond)
	s.StepOnce(now)
	if _, ok := s.devices["hr-1"]; ok {
		t.Fatalf("device survived prune")
	}
	if _, ok := s.resolver.Participant("profile:alice"); !ok {
		t.Fatalf("participant pruned with device")
	}
	if _, ok := s.ledger.GetEntry("profile:alice"); !ok {
		t.Fatalf("ledger entry pruned with device")
	}
}

func TestTick_UnknownDeviceSampleDropped(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	sample(s, "ghost", 150, now)
	s.StepOnce(now)

	if len(s.devices) != 0 || len(s.lastSnap.Participants) != 0 {
		t.Fatalf("unknown device created state: %d devices", len(s.devices))
	}
}

func TestReassign_GuestPromotionMigratesLedger(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	gid := hello(t, s, "hr-1", protocol.SignalHeartRate, "", "Pat")
	sample(s, "hr-1", 150, now)
	s.StepOnce(now) // warm at default max HR 190 -> 78.9% -> hot

	before, _ := s.ledger.GetEntry(identity.CanonicalID(gid))
	if before.Total == 0 {
		t.Fatalf("no accrual before promotion")
	}

	req := reassignReq{DeviceID: "hr-1", ProfileID: "alice", Resp: make(chan reassignResp, 1)}
	s.handleReassign(req)
	resp := <-req.Resp
	if resp.Err != "" {
		t.Fatalf("reassign: %s", resp.Err)
	}
	if resp.ParticipantID != "profile:alice" || !resp.Migrated {
		t.Fatalf("resp = %+v", resp)
	}

	if _, ok := s.ledger.GetEntry(identity.CanonicalID(gid)); ok {
		t.Fatalf("guest ledger entry survived promotion")
	}
	after, _ := s.ledger.GetEntry("profile:alice")
	if after.Total != before.Total {
		t.Fatalf("total lost in promotion: %v -> %v", before.Total, after.Total)
	}

	// The orphaned guest is gone from the roster too.
	for _, p := range s.resolver.Participants() {
		if string(p.ID) == gid {
			t.Fatalf("orphaned guest still on roster")
		}
	}
}

func TestReassign_UnknownDevice(t *testing.T) {
	s := newTestSession(t, "gate")

	req := reassignReq{DeviceID: "ghost", ProfileID: "alice", Resp: make(chan reassignResp, 1)}
	s.handleReassign(req)
	if resp := <-req.Resp; resp.Err == "" {
		t.Fatalf("unknown device reassigned")
	}
}

func TestRoster(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	hello(t, s, "hr-2", protocol.SignalHeartRate, "", "Pat")
	sample(s, "hr-1", 150, now)
	s.StepOnce(now)

	req := rosterReq{Resp: make(chan []RosterEntry, 1)}
	s.handleRoster(req)
	roster := <-req.Resp
	if len(roster) != 2 {
		t.Fatalf("roster = %+v", roster)
	}
	// Sorted by canonical id: guest:* before profile:*.
	if roster[0].ID != "guest:G0001" || roster[1].ID != "profile:alice" {
		t.Fatalf("roster order = %q, %q", roster[0].ID, roster[1].ID)
	}
	if roster[1].Zone != "warm" || !roster[1].Active || roster[1].Total != 4 {
		t.Fatalf("alice entry = %+v", roster[1])
	}
	if roster[0].Active || roster[0].Total != 0 {
		t.Fatalf("idle guest entry = %+v", roster[0])
	}
}

func TestCanonicalKeyShapeEverywhere(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	hello(t, s, "hr-2", protocol.SignalHeartRate, "", "")
	sample(s, "hr-1", 150, now)
	sample(s, "hr-2", 160, now)
	s.StepOnce(now)

	checkKey := func(where, key string) {
		t.Helper()
		if !strings.HasPrefix(key, "profile:") && !strings.HasPrefix(key, "guest:") {
			t.Fatalf("%s key %q is not canonical", where, key)
		}
	}
	for _, e := range s.ledger.Snapshot() {
		checkKey("ledger", identity.SeriesKey(e.ID))
	}
	for id := range s.lastSnap.Active {
		checkKey("active set", identity.SeriesKey(id))
	}
	req := rosterReq{Resp: make(chan []RosterEntry, 1)}
	s.handleRoster(req)
	for _, r := range <-req.Resp {
		checkKey("roster", r.ID)
	}
}

func TestStep_LedgerSeesSameTickAsPolicy(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	sample(s, "hr-1", 150, now) // warm: satisfies the gate and accrues
	s.StepOnce(now)
	now = now.Add(2 * time.Second)
	sample(s, "hr-1", 150, now)
	s.StepOnce(now)

	// The unlock decision and the accrual came from the same snapshot.
	st, _ := s.ledger.GetEntry("profile:alice")
	if st.Total != 8 {
		t.Fatalf("total = %v", st.Total)
	}
	if got := s.policy.State().Phase; string(got) != "unlocked" {
		t.Fatalf("phase = %v", got)
	}
}

func TestTickLogAndEvents(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	var ticks []TickLogEntry
	var events []EventEntry
	s.SetTickLogger(tickLogFunc(func(e TickLogEntry) error { ticks = append(ticks, e); return nil }))
	s.SetEventLogger(eventLogFunc(func(e EventEntry) error { events = append(events, e); return nil }))

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	sample(s, "hr-1", 150, now)
	s.StepOnce(now)
	now = now.Add(2 * time.Second)
	sample(s, "hr-1", 150, now)
	s.StepOnce(now)

	if len(ticks) != 2 {
		t.Fatalf("tick log entries = %d", len(ticks))
	}
	if ticks[0].Tick != 0 || ticks[1].Tick != 1 {
		t.Fatalf("tick numbering = %d, %d", ticks[0].Tick, ticks[1].Tick)
	}
	if ticks[0].Digest == "" || ticks[0].ActiveCount != 1 {
		t.Fatalf("tick entry = %+v", ticks[0])
	}
	if len(ticks[0].NewlyActive) != 1 || ticks[0].NewlyActive[0] != "profile:alice" {
		t.Fatalf("newly active = %+v", ticks[0].NewlyActive)
	}

	// Second tick unlocked the gate: a PHASE event must be on record.
	foundPhase := false
	for _, ev := range events {
		if ev.Kind == EventPhase && ev.To == "unlocked" {
			foundPhase = true
		}
	}
	if !foundPhase {
		t.Fatalf("no phase event: %+v", events)
	}
}

func TestObserverBroadcast(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	out := make(chan []byte, 4)
	s.handleObserverJoin(ObserverJoinRequest{SessionID: "O1", Out: out})

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	sample(s, "hr-1", 150, now)
	s.StepOnce(now)

	select {
	case b := <-out:
		if !strings.Contains(string(b), `"type":"TICK"`) {
			t.Fatalf("frame = %s", b)
		}
		if !strings.Contains(string(b), "profile:alice") {
			t.Fatalf("roster missing from frame: %s", b)
		}
	default:
		t.Fatalf("no tick frame broadcast")
	}
}

func TestObserverDropOldest(t *testing.T) {
	s := newTestSession(t, "gate")
	now := time.Now()

	out := make(chan []byte, 1)
	s.handleObserverJoin(ObserverJoinRequest{SessionID: "O1", Out: out, Feeds: map[string]bool{"tick": true}})

	hello(t, s, "hr-1", protocol.SignalHeartRate, "alice", "")
	for i := 0; i < 3; i++ {
		sample(s, "hr-1", 150, now)
		s.StepOnce(now)
		now = now.Add(2 * time.Second)
	}

	// Buffer of one: only the latest frame remains, the loop never stalled.
	b := <-out
	if !strings.Contains(string(b), `"tick":2`) {
		t.Fatalf("kept frame = %s", b)
	}
	select {
	case extra := <-out:
		t.Fatalf("unexpected extra frame: %s", extra)
	default:
	}
}

type tickLogFunc func(TickLogEntry) error

func (f tickLogFunc) WriteTick(e TickLogEntry) error { return f(e) }

type eventLogFunc func(EventEntry) error

func (f eventLogFunc) WriteEvent(e EventEntry) error { return f(e) }
