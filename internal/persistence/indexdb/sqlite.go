// Package indexdb maintains an optional sqlite read-model index of the
// session: ticks, governance events, and running ledger totals. Writes go
// through a buffered channel into a single writer goroutine, so the tick
// loop never blocks on the database.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/ledger"
	"pulsegate.fit/internal/session"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvent
	reqTotals
)

type req struct {
	kind reqKind

	tick   session.TickLogEntry
	event  session.EventEntry
	totals totalsRow
}

type totalsRow struct {
	Tick    uint64
	Entries []ledger.Entry
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: a burst of events must not stall the session loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			at_ms INTEGER NOT NULL,
			phase TEXT NOT NULL,
			active INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			at_ms INTEGER NOT NULL,
			kind TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			participant TEXT,
			detail TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_tick ON events(kind, tick);`,
		`CREATE TABLE IF NOT EXISTS totals (
			participant TEXT PRIMARY KEY,
			total REAL NOT NULL,
			zone TEXT,
			updated_tick INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteTick(entry session.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
	}
	return nil
}

func (s *SQLiteIndex) WriteEvent(entry session.EventEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: entry}:
	default:
	}
	return nil
}

// RecordTotals upserts the running ledger totals, typically every few
// ticks from the server's snapshot poller.
func (s *SQLiteIndex) RecordTotals(tick uint64, entries []ledger.Entry) {
	if s == nil || s.closed.Load() || len(entries) == 0 {
		return
	}
	select {
	case s.ch <- req{kind: reqTotals, totals: totalsRow{Tick: tick, Entries: entries}}:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,at_ms,phase,active,digest) VALUES(?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(tick,seq,at_ms,kind,from_state,to_state,participant,detail) VALUES(?,?,?,?,?,?,?,?)`)
	insertTotal, _ := s.db.Prepare(`INSERT OR REPLACE INTO totals(participant,total,zone,updated_tick) VALUES(?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
		if insertTotal != nil {
			_ = insertTotal.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second

		lastEventTick uint64
		eventSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			if insertTick == nil {
				break
			}
			if _, err := tx.Stmt(insertTick).Exec(
				int64(r.tick.Tick),
				r.tick.AtMs,
				r.tick.Phase,
				r.tick.ActiveCount,
				r.tick.Digest,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEvent:
			if insertEvent == nil {
				break
			}
			ev := r.event
			if ev.Tick != lastEventTick {
				lastEventTick = ev.Tick
				eventSeq = 0
			}
			seq := eventSeq
			eventSeq++
			if _, err := tx.Stmt(insertEvent).Exec(
				int64(ev.Tick),
				seq,
				ev.AtMs,
				ev.Kind,
				ev.From,
				ev.To,
				ev.Participant,
				ev.Detail,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqTotals:
			if insertTotal == nil {
				break
			}
			failed := false
			for _, e := range r.totals.Entries {
				if _, err := tx.Stmt(insertTotal).Exec(
					identity.SeriesKey(e.ID),
					e.Total,
					e.CurrentZone,
					int64(r.totals.Tick),
				); err != nil {
					rollback()
					failed = true
					break
				}
				opCount++
			}
			if failed {
				continue
			}
		}
		flushIfNeeded()
	}

	commit()
}
