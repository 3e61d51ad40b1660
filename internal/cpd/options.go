// Package cpd computes canonical polyadic decompositions of dense tensors
// with a damped Gauss-Newton method. The normal equations are solved
// approximately by Jacobian-free iterative solvers (conjugate gradient or
// LSMR) that exploit the Khatri-Rao structure of the CPD Jacobian, and a
// compression/truncation/refinement pipeline keeps the method tractable on
// larger tensors. An alternating least squares solver is available as a
// simpler fallback.
package cpd

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Method selects the outer optimization loop.
type Method int

const (
	// MethodDGN is the damped Gauss-Newton method (default).
	MethodDGN Method = iota
	// MethodALS is alternating least squares, a simpler and slower fallback.
	MethodALS
)

func (m Method) String() string {
	switch m {
	case MethodDGN:
		return "dgn"
	case MethodALS:
		return "als"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// StopReason signals why an optimization loop terminated. The codes match
// the solver return contract: callers can distinguish graceful convergence
// from divergence without parsing anything.
type StopReason int

const (
	// StopStepSize: the step size fell below the tolerance.
	StopStepSize StopReason = iota
	// StopImprovement: the error improvement fell below the tolerance.
	StopImprovement
	// StopGradient: the gradient infinity norm fell below sqrt(tol).
	StopGradient
	// StopAvgImprovement: the moving average of error improvements fell
	// below 10*tol.
	StopAvgImprovement
	// StopMaxIter: the iteration budget was exhausted.
	StopMaxIter
	// StopNoRefinement: no refinement stage was run. Decompose always
	// refines; this marks traces from callers that skip the stage. Not a
	// stopping condition of the loop itself.
	StopNoRefinement
	// StopDiverged: the error exceeded max(1, |T|^2)/tol. The best-so-far
	// factors are still returned.
	StopDiverged
	// StopFailed: the run produced no factorization at all. Only Stats
	// reports this, for trials whose Decompose returned an error.
	StopFailed
)

func (s StopReason) String() string {
	switch s {
	case StopStepSize:
		return "step size below tolerance"
	case StopImprovement:
		return "improvement below tolerance"
	case StopGradient:
		return "gradient norm below tolerance"
	case StopAvgImprovement:
		return "average improvement below tolerance"
	case StopMaxIter:
		return "iteration budget exhausted"
	case StopNoRefinement:
		return "no refinement performed"
	case StopDiverged:
		return "diverged"
	case StopFailed:
		return "failed"
	}
	return fmt.Sprintf("stop(%d)", int(s))
}

// ConsistencyError reports a rank that the tensor dimensions cannot support:
// the CPD is non-identifiable when the rank exceeds the product of the other
// modes' dimensions for some mode.
type ConsistencyError struct {
	Rank int
	Dims []int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("cpd: rank %d is not consistent with dimensions %v", e.Rank, e.Dims)
}

var (
	// ErrOrder is returned for tensors of order below 3.
	ErrOrder = errors.New("cpd: tensor order must be at least 3")
	// ErrBadOptions is wrapped by option validation failures.
	ErrBadOptions = errors.New("cpd: invalid options")
)

// Options configures a decomposition run. The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	// Energy is the percentage of per-mode singular-value energy allowed to
	// be discarded when truncating the compressed core. 0 disables
	// truncation.
	Energy float64
	// MaxIter caps the outer iterations of each optimization stage.
	MaxIter int
	// Tol is the outer stopping tolerance (see StopReason for how it is
	// applied).
	Tol float64
	// RefineTol is the tolerance of the refinement stage. Zero means Tol.
	RefineTol float64
	// Method selects damped Gauss-Newton or ALS.
	Method Method
	// Solver is the inner linear solver for dGN. Nil selects conjugate
	// gradient.
	Solver Solver
	// InnerMaxIter is the base inner iteration budget. Zero derives a
	// static budget from the problem size.
	InnerMaxIter int
	// InnerTol is the inner solver tolerance.
	InnerTol float64
	// InnerStatic disables the per-outer-iteration randomized growth of the
	// inner budget.
	InnerStatic bool
	// Init builds the starting factors on the truncated core. Nil means
	// SmartRandomInit.
	Init Initializer
	// InitDamp scales the initial damping parameter damp = InitDamp*mean|T|.
	InitDamp float64
	// LineSearch enables the candidate-set line search over the step length.
	LineSearch bool
	// FixedFactors pins individual modes: a non-nil entry at index l is
	// restored after every iteration so only the remaining factors move.
	FixedFactors []*mat.Dense
	// Symmetric forces all factors equal to the first after each iteration.
	Symmetric bool
	// Logger receives per-stage and per-iteration progress. The zero value
	// is disabled.
	Logger zerolog.Logger
	// RNG drives initializer sampling and the dynamic inner budget. Nil
	// means a fixed-seed source.
	RNG *rand.Rand
}

// DefaultOptions returns the options used by the original method: smart
// random initialization, 0.05% truncation energy budget, 200 outer
// iterations at 1e-6.
func DefaultOptions() Options {
	return Options{
		Energy:   0.05,
		MaxIter:  200,
		Tol:      1e-6,
		InnerTol: 1e-6,
		InitDamp: 1,
		Logger:   zerolog.Nop(),
	}
}

func (o *Options) validate(order int) error {
	switch {
	case o.MaxIter <= 0:
		return fmt.Errorf("%w: MaxIter must be positive", ErrBadOptions)
	case o.Tol <= 0:
		return fmt.Errorf("%w: Tol must be positive", ErrBadOptions)
	case o.Energy < 0 || o.Energy > 100:
		return fmt.Errorf("%w: Energy must be within [0,100]", ErrBadOptions)
	case o.InitDamp <= 0:
		return fmt.Errorf("%w: InitDamp must be positive", ErrBadOptions)
	case o.InnerMaxIter < 0:
		return fmt.Errorf("%w: InnerMaxIter must not be negative", ErrBadOptions)
	case o.FixedFactors != nil && len(o.FixedFactors) != order:
		return fmt.Errorf("%w: FixedFactors must have one entry per mode", ErrBadOptions)
	}
	if o.RefineTol == 0 {
		o.RefineTol = o.Tol
	}
	if o.InnerTol <= 0 {
		o.InnerTol = 1e-6
	}
	if o.Init == nil {
		o.Init = SmartRandomInit{}
	}
	if o.RNG == nil {
		o.RNG = rand.New(rand.NewSource(0x7e4a))
	}
	return nil
}

// checkConsistency verifies that the requested rank is attainable for the
// given dimensions: for every mode the rank must not exceed the product of
// the remaining dimensions.
func checkConsistency(rank int, dims []int) error {
	if rank < 1 {
		return &ConsistencyError{Rank: rank, Dims: dims}
	}
	for l := range dims {
		prod := 1
		for k, d := range dims {
			if k != l {
				prod *= d
			}
		}
		if rank > prod {
			return &ConsistencyError{Rank: rank, Dims: append([]int(nil), dims...)}
		}
	}
	return nil
}
