package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"pulsegate.fit/internal/engine/ledger"
	"pulsegate.fit/internal/session"
)

func TestSQLiteIndex_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_ = idx.WriteTick(session.TickLogEntry{Tick: 0, AtMs: 1000, Phase: "pending", ActiveCount: 0, Digest: "d0"})
	_ = idx.WriteTick(session.TickLogEntry{Tick: 1, AtMs: 3000, Phase: "unlocked", ActiveCount: 2, Digest: "d1"})

	_ = idx.WriteEvent(session.EventEntry{Tick: 1, AtMs: 3000, Kind: session.EventPhase, From: "pending", To: "unlocked"})
	_ = idx.WriteEvent(session.EventEntry{Tick: 1, AtMs: 3000, Kind: session.EventChallenge, To: "active", Detail: "hot"})

	idx.RecordTotals(1, []ledger.Entry{
		{ID: "profile:alice", Total: 12.5, CurrentZone: "warm"},
		{ID: "guest:G0001", Total: 4, CurrentZone: ""},
	})

	// Close drains the writer; everything above must be committed.
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("ticks = %d err=%v", n, err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE tick = 1`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("events = %d err=%v", n, err)
	}

	// Events on the same tick get distinct sequence numbers.
	if err := db.QueryRow(`SELECT COUNT(DISTINCT seq) FROM events WHERE tick = 1`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("event seqs = %d err=%v", n, err)
	}

	var phase string
	if err := db.QueryRow(`SELECT phase FROM ticks WHERE tick = 1`).Scan(&phase); err != nil || phase != "unlocked" {
		t.Fatalf("phase = %q err=%v", phase, err)
	}

	var total float64
	var zone sql.NullString
	if err := db.QueryRow(`SELECT total, zone FROM totals WHERE participant = 'profile:alice'`).Scan(&total, &zone); err != nil {
		t.Fatalf("totals: %v", err)
	}
	if total != 12.5 || zone.String != "warm" {
		t.Fatalf("totals row = %v / %q", total, zone.String)
	}
}

func TestSQLiteIndex_TotalsUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.RecordTotals(1, []ledger.Entry{{ID: "profile:alice", Total: 4, CurrentZone: "warm"}})
	idx.RecordTotals(2, []ledger.Entry{{ID: "profile:alice", Total: 8, CurrentZone: "hot"}})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM totals`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("rows = %d err=%v", n, err)
	}
	var total float64
	var tick int64
	if err := db.QueryRow(`SELECT total, updated_tick FROM totals WHERE participant = 'profile:alice'`).Scan(&total, &tick); err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 8 || tick != 2 {
		t.Fatalf("row = %v @ %d", total, tick)
	}
}

func TestSQLiteIndex_WriteAfterCloseIsSafe(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.WriteTick(session.TickLogEntry{Tick: 3}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	_ = idx.WriteEvent(session.EventEntry{Tick: 3})
	idx.RecordTotals(3, []ledger.Entry{{ID: "profile:alice"}})
}
