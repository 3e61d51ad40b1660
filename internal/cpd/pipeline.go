package cpd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

const tracerName = "github.com/polyadic/polyadic/internal/cpd"

// Factorization is the result of a decomposition: unit-column factors, the
// per-component weights Lambda, the reconstructed tensor and its relative
// error against the original input, plus the trajectories of both
// optimization stages.
type Factorization struct {
	Lambda  []float64
	Factors []*mat.Dense
	Approx  *tensor.Dense
	RelErr  float64

	MultiRank []int
	Main      *Trace
	Refine    *Trace
}

// Decompose computes a rank-R CPD of t through the full pipeline: HOSVD
// compression, energy truncation, initialization, damped Gauss-Newton (or
// ALS) on the truncated core, refinement against the untruncated core, and
// uncompression back to the original coordinates. The reported error is
// measured against the original tensor, not the compressed core.
func Decompose(ctx context.Context, t *tensor.Dense, rank int, opts Options) (*Factorization, error) {
	if t.Order() < 3 {
		return nil, ErrOrder
	}
	if err := opts.validate(t.Order()); err != nil {
		return nil, err
	}
	if opts.FixedFactors != nil {
		return nil, fmt.Errorf("%w: FixedFactors require Optimize, factors do not survive compression", ErrBadOptions)
	}
	if err := checkConsistency(rank, t.Dims()); err != nil {
		return nil, err
	}

	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, "cpd.Decompose", trace.WithAttributes(
		attribute.Int("rank", rank),
		attribute.String("method", opts.Method.String()),
	))
	defer span.End()

	tsize := t.Norm()
	logger := opts.Logger

	// Compression.
	start := time.Now()
	_, hosvdSpan := tr.Start(ctx, "cpd.hosvd")
	mlsvd, err := HOSVD(t)
	hosvdSpan.End()
	stageDuration.WithLabelValues("hosvd").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	logger.Info().Ints("multi_rank", mlsvd.MultiRank).Msg("compression computed")

	// Truncation.
	truncated := truncate(mlsvd, rank, opts.Energy)
	if err := checkConsistency(rank, truncated.MultiRank); err != nil {
		return nil, err
	}
	truncationChanged := false
	for l := range truncated.MultiRank {
		if truncated.MultiRank[l] != mlsvd.MultiRank[l] {
			truncationChanged = true
		}
	}
	if truncationChanged {
		logger.Info().
			Ints("from", mlsvd.MultiRank).
			Ints("to", truncated.MultiRank).
			Msg("core truncated")
	}

	// Starting point.
	factors := opts.Init.Factors(truncated.Core, rank, opts.RNG)
	if opts.Symmetric {
		for l := 1; l < len(factors); l++ {
			factors[l].Copy(factors[0])
		}
	}
	cleanZeros(factors, opts.RNG)
	equalize(factors)

	// Optimization on the truncated core.
	start = time.Now()
	_, mainSpan := tr.Start(ctx, "cpd.optimize")
	factors, mainTrace, err := runMethod(ctx, truncated.Core, factors, opts.Tol, &opts)
	mainSpan.End()
	stageDuration.WithLabelValues("optimize").Observe(time.Since(start).Seconds())
	outerIterations.WithLabelValues("optimize").Observe(float64(len(mainTrace.Errors)))
	if err != nil {
		return nil, err
	}
	logger.Info().
		Int("iterations", len(mainTrace.Errors)).
		Stringer("stop", mainTrace.Stop).
		Msg("main stage finished")

	// Refinement against the untruncated core, starting from the truncated
	// solution padded with zeros up to the full core dimensions. When
	// truncation was a no-op the padding is an identity copy and the stage
	// simply continues the optimization at the tighter tolerance.
	padded := make([]*mat.Dense, len(factors))
	for l, f := range factors {
		padded[l] = mat.NewDense(mlsvd.MultiRank[l], rank, nil)
		d, _ := f.Dims()
		padded[l].Slice(0, d, 0, rank).(*mat.Dense).Copy(f)
	}
	start = time.Now()
	_, refSpan := tr.Start(ctx, "cpd.refine")
	factors, refineTrace, err := runMethod(ctx, mlsvd.Core, padded, opts.RefineTol, &opts)
	refSpan.End()
	stageDuration.WithLabelValues("refine").Observe(time.Since(start).Seconds())
	outerIterations.WithLabelValues("refine").Observe(float64(len(refineTrace.Errors)))
	if err != nil {
		return nil, err
	}
	logger.Info().
		Int("iterations", len(refineTrace.Errors)).
		Stringer("stop", refineTrace.Stop).
		Msg("refinement finished")

	// Uncompress: back to the original coordinates.
	for l, f := range factors {
		var full mat.Dense
		full.Mul(mlsvd.Bases[l], f)
		factors[l] = &full
	}

	approx := tensor.FromCPD(factors)
	relErr := floats.Distance(t.Data(), approx.Data(), 2) / tsize
	lambda := normalizeFactors(factors)

	decompositionsTotal.WithLabelValues(opts.Method.String(), mainTrace.Stop.String()).Inc()
	finalRelError.Observe(relErr)
	logger.Info().Float64("rel_error", relErr).Msg("decomposition finished")

	return &Factorization{
		Lambda:    lambda,
		Factors:   factors,
		Approx:    approx,
		RelErr:    relErr,
		MultiRank: mlsvd.MultiRank,
		Main:      mainTrace,
		Refine:    refineTrace,
	}, nil
}

// Optimize runs a single optimization stage directly on t, without
// compression or truncation, starting from the given factors. This is the
// entry point for fixed-factor and symmetric problems whose constraints are
// expressed in the tensor's own coordinates.
func Optimize(ctx context.Context, t *tensor.Dense, factors []*mat.Dense, opts Options) ([]*mat.Dense, *Trace, error) {
	if len(factors) != t.Order() {
		return nil, nil, fmt.Errorf("%w: %d factors for an order-%d tensor", ErrBadOptions, len(factors), t.Order())
	}
	if err := opts.validate(t.Order()); err != nil {
		return nil, nil, err
	}
	_, rank := factors[0].Dims()
	if err := checkConsistency(rank, t.Dims()); err != nil {
		return nil, nil, err
	}
	work := make([]*mat.Dense, len(factors))
	for l, f := range factors {
		work[l] = mat.DenseCopyOf(f)
	}
	return runMethod(ctx, t, work, opts.Tol, &opts)
}

func runMethod(ctx context.Context, t *tensor.Dense, factors []*mat.Dense, tol float64, opts *Options) ([]*mat.Dense, *Trace, error) {
	switch opts.Method {
	case MethodALS:
		return als(ctx, t, factors, tol, opts)
	default:
		return dGN(ctx, t, factors, tol, opts)
	}
}

// normalizeFactors rescales every factor column to unit norm and returns
// the per-component weights, the products of the original column norms.
func normalizeFactors(factors []*mat.Dense) []float64 {
	if len(factors) == 0 {
		return nil
	}
	_, rank := factors[0].Dims()
	lambda := make([]float64, rank)
	for r := range lambda {
		lambda[r] = 1
	}
	for _, f := range factors {
		d, _ := f.Dims()
		for r := 0; r < rank; r++ {
			s := 0.0
			for i := 0; i < d; i++ {
				s += f.At(i, r) * f.At(i, r)
			}
			nrm := math.Sqrt(s)
			lambda[r] *= nrm
			if nrm == 0 {
				continue
			}
			for i := 0; i < d; i++ {
				f.Set(i, r, f.At(i, r)/nrm)
			}
		}
	}
	return lambda
}

// rankStabilizeTol is the error plateau threshold of EstimateRank.
const rankStabilizeTol = 1e-5

// EstimateRank searches for the smallest rank at which the approximation
// error stops improving, running the full pipeline with a generous
// truncation budget for each candidate. The plateau rank is a good estimate
// of the rank (or border rank) of t. Returns the estimated rank and the
// error achieved at every attempted rank.
func EstimateRank(ctx context.Context, t *tensor.Dense, opts Options) (int, []float64, error) {
	if t.Order() < 3 {
		return 0, nil, ErrOrder
	}
	dims := t.Dims()
	upper := math.MaxInt
	for l := range dims {
		prod := 1
		for m, d := range dims {
			if m != l {
				prod *= d
			}
		}
		if prod < upper {
			upper = prod
		}
	}

	opts.Energy = 99
	errors := make([]float64, 0, upper)
	for r := 1; r < upper; r++ {
		f, err := Decompose(ctx, t, r, opts)
		if err != nil {
			return 0, errors, err
		}
		errors = append(errors, f.RelErr)
		opts.Logger.Info().Int("rank", r).Float64("rel_error", f.RelErr).Msg("rank trial")
		if r > 1 && math.Abs(errors[r-1]-errors[r-2]) < rankStabilizeTol {
			return r - 1, errors, nil
		}
	}
	return upper - 1, errors, nil
}

// TrialResult is the outcome of one randomized decomposition attempt. A
// trial whose decomposition returned an error carries that error, a NaN
// relative error and the StopFailed marker.
type TrialResult struct {
	RelErr   float64
	Stop     StopReason
	Err      error
	Duration time.Duration
}

// Stats runs trials independent decompositions of t with different random
// initializations and collects their errors and run times, for judging how
// reliably a given rank fits the tensor. Trials are independent and run
// concurrently, bounded by the CPU count; each gets a private RNG.
func Stats(ctx context.Context, t *tensor.Dense, rank, trials int, opts Options) ([]TrialResult, error) {
	if err := opts.validate(t.Order()); err != nil {
		return nil, err
	}
	seed := opts.RNG.Int63()
	results := make([]TrialResult, trials)
	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))

	for i := 0; i < trials; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int) {
			defer sem.Release(1)
			trial := opts
			trial.RNG = rand.New(rand.NewSource(seed + int64(i)))
			start := time.Now()
			f, err := Decompose(ctx, t, rank, trial)
			if err != nil {
				results[i] = TrialResult{
					RelErr:   math.NaN(),
					Stop:     StopFailed,
					Err:      err,
					Duration: time.Since(start),
				}
				return
			}
			results[i] = TrialResult{
				RelErr:   f.RelErr,
				Stop:     f.Main.Stop,
				Duration: time.Since(start),
			}
		}(i)
	}
	// Draining the semaphore waits for all trials.
	if err := sem.Acquire(ctx, int64(runtime.NumCPU())); err != nil {
		return nil, err
	}
	return results, nil
}
