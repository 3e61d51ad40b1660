package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/polyadic/polyadic/internal/cpd"
	"github.com/polyadic/polyadic/internal/tensorio"
)

var (
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyadic_request_duration_seconds",
		Help:    "Time spent processing decompose requests",
		Buckets: prometheus.DefBuckets,
	})

	requestsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyadic_requests_rejected_total",
		Help: "Requests rejected by admission control",
	})
)

type server struct {
	opts cpd.Options
	sem  *semaphore.Weighted
}

func startServer(addr string, opts cpd.Options, maxConcurrent int) {
	srv := &server{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/decompose", srv.handleDecompose)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Int("max_concurrent", maxConcurrent).Msg("Starting polyadic server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("polyadic-server")

// handleDecompose accepts an Arrow IPC tensor in the request body, runs the
// CPD pipeline at the rank given by the "rank" query parameter, and answers
// with the CBOR-encoded factorization. Decompositions are CPU-heavy, so a
// weighted semaphore bounds how many run at once; excess requests fail fast
// with 503 instead of queueing.
func (s *server) handleDecompose(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleDecompose")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rank, err := parseRank(r.URL.Query().Get("rank"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("rank", rank))

	if !s.sem.TryAcquire(1) {
		requestsRejected.Inc()
		http.Error(w, "Too many concurrent decompositions", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	t, err := tensorio.ReadTensor(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := cpd.Decompose(ctx, t, rank, s.opts)
	if err != nil {
		log.Error().Err(err).Int("rank", rank).Msg("Decomposition failed")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := tensorio.WriteFactorization(w, f); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/cbor")
	_ = cbor.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func parseRank(s string) (int, error) {
	var rank int
	if _, err := fmt.Sscanf(s, "%d", &rank); err != nil || rank < 1 {
		return 0, fmt.Errorf("bad rank %q", s)
	}
	return rank, nil
}
