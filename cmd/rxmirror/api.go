// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// HTTP status endpoints for rxmirror.
package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/mirror"
	"github.com/girino/nostr-rx/registry"
	"github.com/girino/nostr-rx/relaystore"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000  // 30k goroutines = yellow health
	GoroutineRedThreshold    = 100000 // 100k goroutines = red health
)

// getGoroutineHealthState determines the health state based on goroutine count
func getGoroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return mirror.HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return mirror.HealthYellow
	}
	return mirror.HealthGreen
}

var healthRank = map[string]int{mirror.HealthGreen: 0, mirror.HealthYellow: 1, mirror.HealthRed: 2}

func worst(states ...string) string {
	out := mirror.HealthGreen
	for _, s := range states {
		if healthRank[s] > healthRank[out] {
			out = s
		}
	}
	return out
}

type AppStats struct {
	Version         string  `json:"version"`
	Uptime          float64 `json:"uptime"`
	Goroutines      int     `json:"goroutines"`
	GoroutineHealth string  `json:"goroutine_health_state"`
	AllocBytes      uint64  `json:"alloc_bytes"`
	HeapInuseBytes  uint64  `json:"heap_inuse_bytes"`
	GCCycles        uint32  `json:"gc_cycles"`
}

type AllStats struct {
	App      AppStats            `json:"app"`
	Registry registry.Stats      `json:"registry"`
	Store    relaystore.Stats    `json:"relaystore"`
	Mirror   *mirror.MirrorStats `json:"mirror,omitempty"`
}

type Health struct {
	Status                     string `json:"status"`
	Service                    string `json:"service"`
	Version                    string `json:"version"`
	MainHealthState            string `json:"main_health_state"`
	PublishHealthState         string `json:"publish_health_state"`
	MirrorHealthState          string `json:"mirror_health_state,omitempty"`
	ConsecutivePublishFailures int64  `json:"consecutive_publish_failures"`
	ConsecutiveMirrorFailures  int64  `json:"consecutive_mirror_failures"`
	ConnectedRelays            int    `json:"connected_relays"`
	DefaultRelays              int    `json:"default_relays"`
}

// api serves the JSON status endpoints and /metrics.
type api struct {
	service   string
	startTime time.Time
	reg       *registry.Registry
	store     *relaystore.RelayStore
	mirror    *mirror.MirrorManager
	metrics   *prometheus.Registry
}

func newAPI(service string, reg *registry.Registry, store *relaystore.RelayStore, mm *mirror.MirrorManager) *api {
	m := prometheus.NewRegistry()
	m.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		registry.NewCollector(reg),
	)
	return &api{
		service:   service,
		startTime: time.Now(),
		reg:       reg,
		store:     store,
		mirror:    mm,
		metrics:   m,
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stats", a.handleStats)
	mux.HandleFunc("/api/v1/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
}

func (a *api) stats(req *http.Request) AllStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	all := AllStats{
		App: AppStats{
			Version:         Version,
			Uptime:          time.Since(a.startTime).Seconds(),
			Goroutines:      goroutines,
			GoroutineHealth: getGoroutineHealthState(goroutines),
			AllocBytes:      m.Alloc,
			HeapInuseBytes:  m.HeapInuse,
			GCCycles:        m.NumGC,
		},
		Registry: a.reg.Stats(req.Context()),
		Store:    a.store.Stats(),
	}
	if a.mirror != nil {
		ms := a.mirror.Stats()
		all.Mirror = &ms
	}
	return all
}

func (a *api) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, a.stats(req))
}

func (a *api) handleHealth(w http.ResponseWriter, req *http.Request) {
	all := a.stats(req)
	h := Health{
		Service:                    a.service,
		Version:                    Version,
		PublishHealthState:         mirror.HealthState(all.Store.ConsecutivePublishFailures),
		ConsecutivePublishFailures: all.Store.ConsecutivePublishFailures,
		ConnectedRelays:            all.Registry.Connected,
		DefaultRelays:              all.Registry.DefaultRelays,
	}
	states := []string{h.PublishHealthState, all.App.GoroutineHealth}
	if all.Mirror != nil {
		h.MirrorHealthState = all.Mirror.MirrorHealthState
		h.ConsecutiveMirrorFailures = all.Mirror.ConsecutiveMirrorFailures
		states = append(states, h.MirrorHealthState)
	}
	h.MainHealthState = worst(states...)

	// Determine HTTP status
	httpStatus := http.StatusOK
	switch h.MainHealthState {
	case mirror.HealthGreen:
		h.Status = "healthy"
	case mirror.HealthYellow:
		h.Status = "degraded"
	default:
		httpStatus = http.StatusServiceUnavailable
		h.Status = "unhealthy"
	}
	writeJSON(w, httpStatus, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		logging.Error("encoding response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
