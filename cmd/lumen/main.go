package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumen-remote/lumen/capture"
	"github.com/lumen-remote/lumen/codec"
	_ "github.com/lumen-remote/lumen/codec/native"
	"github.com/lumen-remote/lumen/pipeline"
	"github.com/lumen-remote/lumen/session"
	"github.com/lumen-remote/lumen/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	apiAddr := envOr("API_ADDR", ":4444")
	backendName := envOr("BACKEND", "native-svc")
	width := envInt("WIDTH", 1920)
	height := envInt("HEIGHT", 1080)
	fps := envInt("FPS", 30)
	bitrate := envInt("BITRATE_KBPS", 5000)
	auxInterval := envInt("AUX_INTERVAL", 0)

	backend, ok := codec.Lookup(backendName)
	if !ok {
		slog.Error("unknown encoder backend", "backend", backendName, "available", codec.Backends())
		os.Exit(1)
	}

	slog.Info("lumen starting",
		"version", version,
		"api", apiAddr,
		"backend", backendName,
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"fps", fps,
	)

	a := &app{mgr: session.NewManager(nil)}

	sess, err := a.mgr.Create("primary", session.Config{
		Width:          width,
		Height:         height,
		FrameRate:      fps,
		BitrateKbps:    bitrate,
		MaxAuxInterval: auxInterval,
		Backend:        backend,
	})
	if err != nil {
		slog.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	// Until the compositor capture and RDP transport land, the binary drives
	// the full encode path against a synthetic source and a loopback sink.
	src := capture.NewPattern(width, height, fps)
	sink := transport.NewLoopback(envInt("INFLIGHT", transport.DefaultInFlight), nil)
	a.pipe = pipeline.New(src, sess, sink, width, height, nil)

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: a.apiHandler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.pipe.Run(ctx)
	})

	g.Go(func() error {
		// Drain the loopback as a client would; frames are already wire-form
		// RFX_AVC444 streams at this point.
		for range sink.Output() {
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		src.Close()
		sink.Close()
		a.mgr.CloseAll()
		return nil
	})

	g.Go(func() error {
		slog.Info("API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	mgr  *session.Manager
	pipe *pipeline.Pipeline
}

func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.mgr.Snapshots())
	})

	mux.HandleFunc("GET /api/sessions/{key}/stats", func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.mgr.Get(r.PathValue("key"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, s.Stats())
	})

	mux.HandleFunc("GET /api/pipeline", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.pipe.Snapshot())
	})

	mux.HandleFunc("GET /api/backends", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, codec.Backends())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}
