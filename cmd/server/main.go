package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
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

	"nanofab.ai/internal/persistence/archive"
	"nanofab.ai/internal/persistence/indexdb"
	"nanofab.ai/internal/sim/tuning"
	"nanofab.ai/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		archivePath = flag.String("archive", "", "problem archive: directory or .zip (optional)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableDB   = flag.Bool("disable_db", false, "disable the run index")
		disableLogs = flag.Bool("disable_step_logs", false, "disable per-session step logs")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	opts := ws.Options{Tuning: tune}
	if p := strings.TrimSpace(*archivePath); p != "" {
		a, err := archive.Open(p)
		if err != nil {
			logger.Fatalf("open archive: %v", err)
		}
		defer a.Close()
		opts.Archive = a
		logger.Printf("archive %s: %d problems, %d traces", p, len(a.Problems()), len(a.Traces()))
	}
	if !*disableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "nanofab.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer func() {
			_ = idx.Close()
			if n := idx.WriteErrors(); n > 0 {
				logger.Printf("index: %d rows failed to write", n)
			}
		}()
		opts.Index = idx
	}
	if !*disableLogs {
		opts.LogDir = filepath.Join(*dataDir, "steps")
	}
	mirror, err := buildMirror(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init mirror: %v", err)
	}
	if mirror != nil {
		defer mirror.Close()
		opts.Mirror = mirror
	}

	ctx, cancel := signalContext()
	defer cancel()

	wsSrv := ws.NewServer(opts, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := wsSrv.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP nanofab_sessions_active Connected emulator sessions.\n")
		fmt.Fprintf(rw, "# TYPE nanofab_sessions_active gauge\n")
		fmt.Fprintf(rw, "nanofab_sessions_active %d\n", m.ActiveSessions)

		fmt.Fprintf(rw, "# HELP nanofab_sessions_total Sessions accepted since start.\n")
		fmt.Fprintf(rw, "# TYPE nanofab_sessions_total counter\n")
		fmt.Fprintf(rw, "nanofab_sessions_total %d\n", m.TotalSessions)

		fmt.Fprintf(rw, "# HELP nanofab_steps_total Steps executed by closed sessions.\n")
		fmt.Fprintf(rw, "# TYPE nanofab_steps_total counter\n")
		fmt.Fprintf(rw, "nanofab_steps_total %d\n", m.Steps)

		if opts.Index != nil {
			fmt.Fprintf(rw, "# HELP nanofab_index_write_errors_total Index rows that failed to write.\n")
			fmt.Fprintf(rw, "# TYPE nanofab_index_write_errors_total counter\n")
			fmt.Fprintf(rw, "nanofab_index_write_errors_total %d\n", opts.Index.WriteErrors())
		}
		writeMirrorMetrics(rw, mirror)
	})

	if envBool("NF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/problems", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			resp := struct {
				Problems []string `json:"problems"`
				Traces   []string `json:"traces"`
			}{Problems: []string{}, Traces: []string{}}
			if opts.Archive != nil {
				resp.Problems = opts.Archive.Problems()
				resp.Traces = opts.Archive.Traces()
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (NF_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("NF_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
