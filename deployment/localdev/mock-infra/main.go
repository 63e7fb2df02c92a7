package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type sample struct {
	SystemID   string    `json:"system_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

type system struct {
	version         string
	previousVersion string
	faulted         bool
}

// fleet simulates a small server fleet. Healthy systems report steady
// metrics with light jitter; a faulted system pins its CPU high until it is
// rolled back.
type fleet struct {
	mu      sync.Mutex
	systems map[string]*system
	started time.Time
}

func newFleet(size int) *fleet {
	systems := make(map[string]*system, size)
	for i := 1; i <= size; i++ {
		systems[fmt.Sprintf("server-%02d", i)] = &system{version: "v2.0.3"}
	}
	return &fleet{systems: systems, started: time.Now()}
}

func (f *fleet) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.systems)
}

func (f *fleet) uptime() float64 {
	return time.Since(f.started).Seconds()
}

func (f *fleet) snapshot(systemID string) []sample {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.systems))
	for id := range f.systems {
		if systemID != "" && id != systemID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now()
	samples := make([]sample, 0, len(ids)*3)
	for _, id := range ids {
		sys := f.systems[id]
		cpu := 40 + rand.Float64()*6 - 3
		errorRate := 0.005 + rand.Float64()*0.01
		if sys.faulted {
			cpu = 95 + rand.Float64()*2
			errorRate = 0.08
		}
		samples = append(samples,
			sample{SystemID: id, MetricName: "cpu", Value: cpu, Timestamp: now},
			sample{SystemID: id, MetricName: "memory", Value: 62 + rand.Float64()*8 - 4, Timestamp: now},
			sample{SystemID: id, MetricName: "error_rate", Value: errorRate, Timestamp: now},
		)
	}
	return samples
}

func (f *fleet) stage(version string, targets []string) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	accepted := make(map[string]bool, len(targets))
	for _, id := range targets {
		sys, ok := f.systems[id]
		if !ok {
			accepted[id] = false
			continue
		}
		sys.previousVersion = sys.version
		sys.version = version
		accepted[id] = true
	}
	return accepted
}

func (f *fleet) rollback(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	sys, ok := f.systems[id]
	if !ok {
		return false
	}
	if sys.previousVersion != "" {
		sys.version = sys.previousVersion
		sys.previousVersion = ""
	}
	sys.faulted = false
	return true
}

func (f *fleet) injectFault(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	sys, ok := f.systems[id]
	if !ok {
		return false
	}
	sys.faulted = true
	return true
}

func main() {
	f := newFleet(100)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !enforceGet(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"status":         "ok",
			"fleet_size":     f.size(),
			"uptime_seconds": f.uptime(),
		})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !enforceGet(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"samples": f.snapshot(r.URL.Query().Get("system_id")),
		})
	})

	mux.HandleFunc("/deploy", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			UpdateID      string   `json:"update_id"`
			Version       string   `json:"version"`
			TargetSystems []string `json:"target_systems"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Version == "" || len(req.TargetSystems) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"accepted": f.stage(req.Version, req.TargetSystems),
		})
	})

	mux.HandleFunc("/rollback/", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/rollback/")
		if !f.rollback(id) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"rolled_back": id})
	})

	mux.HandleFunc("/simulate-failure/", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/simulate-failure/")
		if !f.injectFault(id) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"faulted": id})
	})

	logger := log.New(log.Writer(), "infra-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9000",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9000")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforceGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
