// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package diagnostics serves a small internal-only HTTP surface:
// /healthz for liveness checks and /metrics for Prometheus scraping.
// The listen address is supplied by the caller; cmd/worker's default,
// ":8081", binds all interfaces.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giggle_worker_tasks_total",
		Help: "Total tasks handled by terminal status.",
	}, []string{"status"})

	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "giggle_worker_active_tasks",
		Help: "Tasks currently being processed by this node.",
	})

	NodeScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "giggle_worker_node_score",
		Help: "This node's current ranking score (lower is more preferred).",
	})

	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "giggle_worker_heartbeat_failures_total",
		Help: "Heartbeats that failed to reach the registry.",
	})

	TranslationCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giggle_worker_translation_calls_total",
		Help: "Translation provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	TranslationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giggle_worker_translation_duration_seconds",
		Help:    "Translation provider call latency by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(
		TasksProcessed, ActiveTasks, NodeScore, HeartbeatFailures,
		TranslationCalls, TranslationDuration,
	)
}

// HealthFunc reports whether the node considers itself healthy, with
// a short human-readable detail for the /healthz response body.
type HealthFunc func() (ok bool, detail string)

// Server is the worker's internal diagnostics HTTP endpoint.
type Server struct {
	httpServer *http.Server
}

// New builds a diagnostics Server listening on addr. health is called
// on every GET /healthz.
func New(addr string, health HealthFunc) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ok, detail := true, "ok"
		if health != nil {
			ok, detail = health()
		}

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": map[bool]string{true: "ok", false: "unhealthy"}[ok],
			"detail": detail,
		})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handlers.CombinedLoggingHandler(log.InfoWriter, r),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start runs the server until ctx is cancelled, then shuts it down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("diagnostics: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
