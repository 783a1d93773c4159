package session

import (
	"encoding/json"

	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/policy"
	"pulsegate.fit/internal/protocol"
)

func (s *Session) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	s.observers[req.SessionID] = &observerState{out: req.Out, feeds: req.Feeds}
}

func (s *Session) broadcastTick(snap *Snapshot) {
	if len(s.observers) == 0 {
		return
	}
	msg := protocol.TickMsg{
		Type:        protocol.TypeTick,
		Tick:        snap.Tick,
		AtMs:        snap.At.UnixMilli(),
		Phase:       string(s.policy.State().Phase),
		ActiveCount: len(snap.Active),
	}
	for _, p := range s.resolver.Participants() {
		tp := protocol.TickParticipant{
			ID:      identity.SeriesKey(p.ID),
			Name:    p.Name,
			Devices: s.resolver.DeviceCount(p.ID),
			Stage:   StageInactive,
		}
		if entry, ok := s.ledger.GetEntry(p.ID); ok {
			tp.Total = entry.Total
			tp.Zone = entry.CurrentZone
		}
		if pt, ok := snap.Participants[p.ID]; ok {
			tp.Stage = pt.Stage
			tp.HeartRate = pt.HeartRate
			tp.Cadence = pt.Cadence
			tp.Active = pt.Active
		}
		msg.Roster = append(msg.Roster, tp)
	}
	s.broadcast("tick", msg)
}

func (s *Session) broadcastPhase(tick uint64, ch policy.PhaseChange) {
	msg := protocol.PhaseMsg{
		Type:    protocol.TypePhase,
		Tick:    tick,
		AtMs:    ch.At.UnixMilli(),
		From:    string(ch.From),
		To:      string(ch.To),
		Summary: wireSummary(ch.Summary),
	}
	s.broadcast("phase", msg)
}

func (s *Session) broadcastChallenge(tick uint64, ev policy.ChallengeEvent) {
	msg := protocol.ChallengeMsg{
		Type:       protocol.TypeChallenge,
		Tick:       tick,
		AtMs:       ev.At.UnixMilli(),
		Status:     string(ev.Status),
		TargetZone: ev.TargetZone,
	}
	if !ev.Deadline.IsZero() {
		msg.DeadlineMs = ev.Deadline.UnixMilli()
	}
	s.broadcast("challenge", msg)
}

func (s *Session) broadcast(feed string, v any) {
	if len(s.observers) == 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, o := range s.observers {
		if o.feeds != nil && !o.feeds[feed] {
			continue
		}
		sendLatest(o.out, b)
	}
}

// sendLatest delivers b without blocking: if the observer's buffer is
// full, the oldest frame is dropped to make room.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func wireSummary(summary []policy.RequirementState) []protocol.RequirementState {
	if len(summary) == 0 {
		return nil
	}
	out := make([]protocol.RequirementState, len(summary))
	for i, r := range summary {
		out[i] = protocol.RequirementState{
			ZoneID:       r.ZoneID,
			ZoneLabel:    r.ZoneLabel,
			MinPercent:   r.MinPercent,
			Mode:         r.Mode,
			Satisfied:    r.Satisfied,
			Satisfying:   seriesKeys(r.Satisfying),
			Unsatisfying: seriesKeys(r.Unsatisfying),
			Exempt:       seriesKeys(r.Exempt),
		}
	}
	return out
}
