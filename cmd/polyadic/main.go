package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/polyadic/polyadic/internal/cpd"
	"github.com/polyadic/polyadic/internal/tensor"
	"github.com/polyadic/polyadic/internal/tensorio"
)

var (
	inputPath    = flag.String("input", "", "Path to tensor file (Arrow IPC stream)")
	outputPath   = flag.String("output", "", "Write factorization to file (CBOR)")
	exportMM     = flag.String("export-mm", "", "Export the first-mode unfolding as matrix-market to file")
	rank         = flag.Int("rank", 0, "Target CPD rank")
	energy       = flag.Float64("energy", 0.05, "Truncation energy budget in percent (0 disables)")
	maxIter      = flag.Int("maxiter", 200, "Maximum outer iterations")
	tol          = flag.Float64("tol", 1e-6, "Outer stopping tolerance")
	methodName   = flag.String("method", "dgn", "Optimization method (dgn, als)")
	solverName   = flag.String("solver", "auto", "Inner solver (auto, cg, lsmr)")
	initName     = flag.String("init", "smart_random", "Initialization (smart_random, random)")
	seed         = flag.Int64("seed", 0, "RNG seed (0 uses a fixed default)")
	lineSearch   = flag.Bool("linesearch", false, "Enable step-length line search")
	estimateRank = flag.Bool("estimate-rank", false, "Estimate the rank instead of decomposing")
	statsTrials  = flag.Int("stats", 0, "Run N randomized trials and report error statistics")
	listenAddr   = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	maxConc      = flag.Int("max-concurrent", 4, "Maximum concurrent decompositions in server mode")
	cpuProfile   = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel   = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	debug        = flag.Bool("debug", false, "Per-iteration debug logging")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	flag.Parse()

	if !*debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	opts, err := buildOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid options")
	}

	// Server mode.
	if *listenAddr != "" {
		startServer(*listenAddr, opts, *maxConc)
		return
	}

	if *inputPath == "" {
		log.Fatal().Msg("No input tensor; use -input or -listen")
	}
	t, err := readTensorFile(*inputPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *inputPath).Msg("Failed to read tensor")
	}
	log.Info().Ints("dims", t.Dims()).Msg("Tensor loaded")

	if *exportMM != "" {
		if err := exportMatrixMarket(*exportMM, t); err != nil {
			log.Fatal().Err(err).Msg("Matrix-market export failed")
		}
		log.Info().Str("path", *exportMM).Msg("Matrix-market export written")
	}

	ctx := context.Background()
	p := message.NewPrinter(language.English)

	switch {
	case *estimateRank:
		r, errors, err := cpd.EstimateRank(ctx, t, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Rank estimation failed")
		}
		p.Printf("Estimated rank: %d after %d trials\n", r, len(errors))
		for i, e := range errors {
			p.Printf("  rank %d: relative error %.6e\n", i+1, e)
		}

	case *statsTrials > 0:
		if *rank < 1 {
			log.Fatal().Msg("Stats mode requires -rank")
		}
		results, err := cpd.Stats(ctx, t, *rank, *statsTrials, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Stats run failed")
		}
		for i, res := range results {
			if res.Err != nil {
				p.Printf("trial %d: failed (%v), %v\n", i+1, res.Err, res.Duration)
				continue
			}
			p.Printf("trial %d: error %.6e, stop %q, %v\n", i+1, res.RelErr, res.Stop, res.Duration)
		}

	default:
		if *rank < 1 {
			log.Fatal().Msg("Decomposition requires -rank")
		}
		start := time.Now()
		f, err := cpd.Decompose(ctx, t, *rank, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Decomposition failed")
		}
		p.Printf("Decomposed %d-way tensor (%d entries) at rank %d in %v\n",
			t.Order(), t.Size(), *rank, time.Since(start).Round(time.Millisecond))
		p.Printf("Relative error: %.6e\n", f.RelErr)
		p.Printf("Main stage: %d iterations, stopped because %s\n", len(f.Main.Errors), f.Main.Stop)
		p.Printf("Refinement: %d iterations, stopped because %s\n", len(f.Refine.Errors), f.Refine.Stop)
		if *outputPath != "" {
			if err := writeFactorizationFile(*outputPath, f); err != nil {
				log.Fatal().Err(err).Msg("Failed to write factorization")
			}
			log.Info().Str("path", *outputPath).Msg("Factorization written")
		}
	}
}

func errUsage(name, value string) error {
	return fmt.Errorf("unknown %s %q", name, value)
}

func buildOptions() (cpd.Options, error) {
	opts := cpd.DefaultOptions()
	opts.Energy = *energy
	opts.MaxIter = *maxIter
	opts.Tol = *tol
	opts.LineSearch = *lineSearch
	opts.Logger = log.Logger

	switch *methodName {
	case "dgn":
		opts.Method = cpd.MethodDGN
	case "als":
		opts.Method = cpd.MethodALS
	default:
		return opts, errUsage("method", *methodName)
	}
	switch *solverName {
	case "auto":
	case "cg":
		opts.Solver = cpd.CG{}
	case "lsmr":
		opts.Solver = cpd.LSMR{}
	default:
		return opts, errUsage("solver", *solverName)
	}
	switch *initName {
	case "smart_random":
		opts.Init = cpd.SmartRandomInit{}
	case "random":
		opts.Init = cpd.RandomInit{}
	default:
		return opts, errUsage("init", *initName)
	}
	if *seed != 0 {
		opts.RNG = rand.New(rand.NewSource(*seed))
	}
	return opts, nil
}

func readTensorFile(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tensorio.ReadTensor(f)
}

func writeFactorizationFile(path string, fac *cpd.Factorization) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tensorio.WriteFactorization(f, fac); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func exportMatrixMarket(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tensorio.WriteMatrixMarket(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("polyadic"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
