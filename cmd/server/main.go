package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pulsegate.fit/internal/engine/catalogs"
	"pulsegate.fit/internal/engine/identity"
	"pulsegate.fit/internal/engine/tuning"
	"pulsegate.fit/internal/persistence/indexdb"
	persistlog "pulsegate.fit/internal/persistence/log"
	"pulsegate.fit/internal/session"
	"pulsegate.fit/internal/transport/observer"
	"pulsegate.fit/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		sessionID  = flag.String("session", "session_1", "session id")
		policyID   = flag.String("policy", "", "gating policy id (empty: ungated)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	sessionDir := filepath.Join(*dataDir, "sessions", *sessionID)
	_ = os.MkdirAll(sessionDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	// Optional: read-model index backend (does not affect the tick loop).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(sessionDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
		defer idx.Close()
	}

	sess := session.New(session.Config{
		ID:       *sessionID,
		PolicyID: *policyID,
	}, cats, tune, registryFromCatalogs(cats), logger)

	tickLog := persistlog.NewTickLogger(sessionDir)
	eventLog := persistlog.NewEventLogger(sessionDir)
	defer tickLog.Close()
	defer eventLog.Close()
	sess.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
	sess.SetEventLogger(multiEventLogger{a: eventLog, b: idx})

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := sess.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("session stopped: %v", err)
		}
	}()

	// Totals poller: periodically mirror ledger totals into the index.
	if idx != nil {
		go func() {
			t := time.NewTicker(10 * sess.TickInterval())
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					ctx2, cancel2 := context.WithTimeout(ctx, sess.TickInterval())
					entries, err := sess.RequestLedgerSnapshot(ctx2)
					cancel2()
					if err != nil {
						continue
					}
					idx.RecordTotals(sess.CurrentTick(), entries)
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(sess, logger).Handler())

	enableAdminHTTP := envBool("PG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("PG_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		registerAdmin(mux, sess, logger)
	} else {
		logger.Printf("admin endpoints disabled (PG_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (PG_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// registerAdmin wires the local-only operator endpoints.
func registerAdmin(mux *http.ServeMux, sess *session.Session, logger *log.Logger) {
	adminJSON := func(rw http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (any, error)) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		out, err := fn(ctx)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(out)
	}

	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		adminJSON(rw, r, func(ctx context.Context) (any, error) {
			st, err := sess.RequestPolicyState(ctx)
			if err != nil {
				return nil, err
			}
			return struct {
				SessionID string `json:"session_id"`
				Tick      uint64 `json:"tick"`
				State     any    `json:"state"`
			}{SessionID: sess.ID(), Tick: sess.CurrentTick(), State: st}, nil
		})
	})
	mux.HandleFunc("/admin/v1/roster", func(rw http.ResponseWriter, r *http.Request) {
		adminJSON(rw, r, func(ctx context.Context) (any, error) {
			return sess.RequestRoster(ctx)
		})
	})
	mux.HandleFunc("/admin/v1/ledger", func(rw http.ResponseWriter, r *http.Request) {
		adminJSON(rw, r, func(ctx context.Context) (any, error) {
			if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
				return sess.RequestLedgerEntry(ctx, id)
			}
			return sess.RequestLedgerSnapshot(ctx)
		})
	})
	mux.HandleFunc("/admin/v1/reassign", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		adminJSON(rw, r, func(ctx context.Context) (any, error) {
			var body struct {
				DeviceID  string `json:"device_id"`
				ProfileID string `json:"profile_id"`
				GuestName string `json:"guest_name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, err
			}
			pid, err := sess.RequestReassign(ctx, body.DeviceID, body.ProfileID, body.GuestName)
			if err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "participant_id": pid}, nil
		})
	})
	mux.HandleFunc("/admin/v1/reset", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		adminJSON(rw, r, func(ctx context.Context) (any, error) {
			if err := sess.RequestReset(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		})
	})
	mux.HandleFunc("/admin/v1/challenge", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		adminJSON(rw, r, func(ctx context.Context) (any, error) {
			var body struct {
				TargetZone string `json:"target_zone"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, err
			}
			sess.TriggerChallenge(body.TargetZone)
			return map[string]any{"ok": true}, nil
		})
	})

	obsSrv := observer.NewServer(sess, logger)
	mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
}

func registryFromCatalogs(cats *catalogs.Catalogs) identity.Registry {
	profiles := make([]identity.Profile, 0, len(cats.Profiles))
	for _, p := range cats.Profiles {
		profiles = append(profiles, identity.Profile{
			ID:           p.ID,
			Name:         p.Name,
			MaxHeartRate: p.MaxHeartRate,
		})
	}
	return identity.NewStaticRegistry(profiles)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiTickLogger struct {
	a session.TickLogger
	b session.TickLogger
}

func (m multiTickLogger) WriteTick(entry session.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiEventLogger struct {
	a session.EventLogger
	b session.EventLogger
}

func (m multiEventLogger) WriteEvent(entry session.EventEntry) error {
	if m.a != nil {
		_ = m.a.WriteEvent(entry)
	}
	if m.b != nil {
		_ = m.b.WriteEvent(entry)
	}
	return nil
}
