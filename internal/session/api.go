package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/ledger"
	"pulsegate.fit/internal/engine/policy"
	"pulsegate.fit/internal/protocol"
)

// Samples is the ingest path: decoded readings are buffered here and
// applied at the next tick boundary.
func (s *Session) Samples() chan<- SampleEnvelope { return s.samples }

func (s *Session) ObserverJoin() chan<- ObserverJoinRequest { return s.observerJoin }
func (s *Session) ObserverLeave() chan<- string             { return s.observerLeave }

// RequestHello registers a device and resolves who is wearing it.
func (s *Session) RequestHello(ctx context.Context, hello protocol.HelloMsg) (participantID, code string, err error) {
	req := helloReq{
		DeviceID:    strings.TrimSpace(hello.DeviceID),
		Signal:      hello.Signal,
		ProfileID:   strings.TrimSpace(hello.ProfileID),
		DisplayName: hello.DisplayName,
		Resp:        make(chan helloResp, 1),
	}
	select {
	case s.hello <- req:
	case <-ctx.Done():
		return "", protocol.ErrSessionBusy, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return "", resp.Code, errors.New(resp.Err)
		}
		return resp.ParticipantID, "", nil
	case <-ctx.Done():
		return "", protocol.ErrSessionBusy, ctx.Err()
	}
}

// RequestReassign moves a device to a different participant mid-session.
// The previous owner's ledger history follows when their identity is
// orphaned by the move.
func (s *Session) RequestReassign(ctx context.Context, deviceID, profileID, guestName string) (string, error) {
	req := reassignReq{
		DeviceID:  strings.TrimSpace(deviceID),
		ProfileID: strings.TrimSpace(profileID),
		GuestName: guestName,
		Resp:      make(chan reassignResp, 1),
	}
	select {
	case s.reassign <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return "", errors.New(resp.Err)
		}
		return resp.ParticipantID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RequestRoster lists every known participant with their decay stage and
// running total. Safe to call at any time, including between ticks.
func (s *Session) RequestRoster(ctx context.Context) ([]RosterEntry, error) {
	req := rosterReq{Resp: make(chan []RosterEntry, 1)}
	select {
	case s.rosterQ <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-req.Resp:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestLedgerSnapshot returns every tracked ledger entry.
func (s *Session) RequestLedgerSnapshot(ctx context.Context) ([]ledger.Entry, error) {
	req := ledgerSnapReq{Resp: make(chan []ledger.Entry, 1)}
	select {
	case s.ledgerQ <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-req.Resp:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestLedgerEntry returns one participant's ledger entry.
func (s *Session) RequestLedgerEntry(ctx context.Context, id string) (ledger.Entry, error) {
	req := entryReq{ID: id, Resp: make(chan entryResp, 1)}
	select {
	case s.entryQ <- req:
	case <-ctx.Done():
		return ledger.Entry{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return ledger.Entry{}, errors.New(resp.Err)
		}
		return resp.Entry, nil
	case <-ctx.Done():
		return ledger.Entry{}, ctx.Err()
	}
}

// RequestPolicyState returns the current governance state.
func (s *Session) RequestPolicyState(ctx context.Context) (policy.State, error) {
	req := stateReq{Resp: make(chan policy.State, 1)}
	select {
	case s.stateQ <- req:
	case <-ctx.Done():
		return policy.State{}, ctx.Err()
	}
	select {
	case st := <-req.Resp:
		return st, nil
	case <-ctx.Done():
		return policy.State{}, ctx.Err()
	}
}

// RequestReset starts a new activation (locked -> pending).
func (s *Session) RequestReset(ctx context.Context) error {
	req := resetReq{Resp: make(chan struct{}, 1)}
	select {
	case s.resetQ <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.Resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerChallenge queues an explicit challenge. Best-effort; dropped if
// the queue is full.
func (s *Session) TriggerChallenge(targetZone string) {
	select {
	case s.challengeQ <- challengeReq{TargetZone: targetZone}:
	default:
	}
}

// ---- loop-side handlers ----

func (s *Session) handleHello(req helloReq) {
	resp := helloResp{}
	defer func() {
		select {
		case req.Resp <- resp:
		default:
		}
	}()

	if req.DeviceID == "" {
		resp.Code, resp.Err = protocol.ErrBadRequest, "device id is required"
		return
	}
	if req.Signal != protocol.SignalHeartRate && req.Signal != protocol.SignalCadence {
		resp.Code, resp.Err = protocol.ErrBadRequest, fmt.Sprintf("unknown signal %q", req.Signal)
		return
	}

	var (
		id  identity.CanonicalID
		mig identity.Migration
		err error
	)
	switch {
	case req.ProfileID != "":
		id, mig, err = s.resolver.AttachProfile(req.DeviceID, req.ProfileID)
		if err != nil {
			resp.Code, resp.Err = protocol.ErrUnknownProfile, err.Error()
			return
		}
	default:
		if existing, ok := s.resolver.Resolve(req.DeviceID); ok {
			// Reconnect of a known device keeps its assignment.
			id = existing
		} else {
			id, mig = s.resolver.AttachGuest(req.DeviceID, req.DisplayName)
		}
	}
	s.applyMigration(mig)

	now := time.Now()
	if d, ok := s.devices[req.DeviceID]; ok {
		d.Signal = req.Signal
		d.LastSeen = now
	} else {
		s.devices[req.DeviceID] = &Device{ID: req.DeviceID, Signal: req.Signal, LastSeen: now}
	}
	s.ledger.Track(id)

	if s.log != nil {
		s.log.Printf("device %s (%s) -> %s", req.DeviceID, req.Signal, identity.SeriesKey(id))
	}
	resp.ParticipantID = identity.SeriesKey(id)
}

func (s *Session) handleReassign(req reassignReq) {
	resp := reassignResp{}
	defer func() {
		select {
		case req.Resp <- resp:
		default:
		}
	}()

	if _, ok := s.devices[req.DeviceID]; !ok {
		resp.Err = fmt.Sprintf("unknown device %q", req.DeviceID)
		return
	}

	var (
		id  identity.CanonicalID
		mig identity.Migration
		err error
	)
	switch {
	case req.ProfileID != "":
		id, mig, err = s.resolver.AttachProfile(req.DeviceID, req.ProfileID)
	case req.GuestName != "":
		id, mig = s.resolver.AttachGuest(req.DeviceID, req.GuestName)
	default:
		err = errors.New("reassign target required")
	}
	if err != nil {
		resp.Err = err.Error()
		return
	}
	s.applyMigration(mig)
	s.ledger.Track(id)
	resp.ParticipantID = identity.SeriesKey(id)
	resp.Migrated = mig.Migrate
}

// applyMigration hands an orphaned identity's ledger history to its new
// canonical id.
func (s *Session) applyMigration(mig identity.Migration) {
	if !mig.Migrate {
		return
	}
	s.ledger.Migrate(mig.From, mig.To)
	s.emitEvent(EventEntry{
		Tick:        s.tick.Load(),
		AtMs:        time.Now().UnixMilli(),
		Kind:        EventMigrate,
		From:        identity.SeriesKey(mig.From),
		To:          identity.SeriesKey(mig.To),
		Participant: identity.SeriesKey(mig.To),
	})
}

func (s *Session) handleRoster(req rosterReq) {
	participants := s.resolver.Participants()
	out := make([]RosterEntry, 0, len(participants))
	for _, p := range participants {
		e := RosterEntry{
			ID:      identity.SeriesKey(p.ID),
			Name:    p.Name,
			Guest:   p.Guest,
			Devices: s.resolver.DeviceCount(p.ID),
			Stage:   StageInactive,
		}
		if entry, ok := s.ledger.GetEntry(p.ID); ok {
			e.Total = entry.Total
			e.Zone = entry.CurrentZone
		}
		if s.lastSnap != nil {
			if pt, ok := s.lastSnap.Participants[p.ID]; ok {
				e.Stage = pt.Stage
				e.HeartRate = pt.HeartRate
				e.Cadence = pt.Cadence
				e.Active = pt.Active
			}
		}
		out = append(out, e)
	}
	select {
	case req.Resp <- out:
	default:
	}
}

func (s *Session) handleLedgerSnap(req ledgerSnapReq) {
	select {
	case req.Resp <- s.ledger.Snapshot():
	default:
	}
}

func (s *Session) handleEntry(req entryReq) {
	resp := entryResp{}
	entry, ok := s.ledger.GetEntry(identity.CanonicalID(req.ID))
	if !ok {
		resp.Err = fmt.Sprintf("no ledger entry for %q", req.ID)
	} else {
		resp.Entry = entry
	}
	select {
	case req.Resp <- resp:
	default:
	}
}

func (s *Session) handleState(req stateReq) {
	select {
	case req.Resp <- s.policy.State():
	default:
	}
}

func (s *Session) handleReset(req resetReq) {
	change := s.policy.Reset(time.Now())
	s.emitPhaseChange(s.tick.Load(), change)
	select {
	case req.Resp <- struct{}{}:
	default:
	}
}
