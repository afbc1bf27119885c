// refstress runs reference accounting workloads against a foreign runtime
// and checks that every reference taken is given back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gopyo3/pyo3"
	"github.com/gopyo3/pyo3/ffi"
	"github.com/gopyo3/pyo3/ffi/cpython"
	"github.com/gopyo3/pyo3/ffi/sim"
	"github.com/gopyo3/pyo3/metrics"
)

// memStats holds memory statistics for a point in time
type memStats struct {
	alloc uint64 // bytes allocated and still in use
	sys   uint64 // bytes obtained from system
	numGC uint32 // number of completed GC cycles
}

func getMemStats() memStats {
	runtime.GC()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{alloc: m.Alloc, sys: m.Sys, numGC: m.NumGC}
}

func (m memStats) String() string {
	return fmt.Sprintf("Alloc: %6d KB, Sys: %6d KB, NumGC: %d", m.alloc/1024, m.sys/1024, m.numGC)
}

type config struct {
	backend     string
	libpython   string
	scenarios   string
	metricsAddr string
	progress    string
	verbose     bool
}

func parseConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet("refstress", flag.ContinueOnError)
	var c config
	fs.StringVar(&c.backend, "backend", "sim", "runtime to exercise: sim or cpython")
	fs.StringVar(&c.libpython, "libpython", "", "path to libpython for the cpython backend; empty searches common names")
	fs.StringVar(&c.scenarios, "scenarios", "", "YAML scenario file; empty runs the built-in scenarios")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	fs.StringVar(&c.progress, "progress", "auto", "progress bars: auto, always or never")
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("REFSTRESS")); err != nil {
		return nil, err
	}
	switch c.progress {
	case "auto", "always", "never":
	default:
		return nil, fmt.Errorf("invalid -progress %q", c.progress)
	}
	return &c, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func openRuntime(c *config) (ffi.Runtime, error) {
	switch c.backend {
	case "sim":
		return sim.New(), nil
	case "cpython":
		return cpython.Load(c.libpython)
	}
	return nil, fmt.Errorf("unknown backend %q", c.backend)
}

func showProgress(mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PASS: every reference was released")
}

func run(args []string) error {
	c, err := parseConfig(args)
	if err != nil {
		return err
	}
	log, err := newLogger(c.verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	if err := pyo3.Prepare(rt, pyo3.WithLogger(log)); err != nil {
		return err
	}
	scenarios, err := loadScenarios(c.scenarios)
	if err != nil {
		return err
	}

	if c.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: c.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", zap.String("addr", c.metricsAddr))
	}

	ctx := context.Background()
	progress := showProgress(c.progress)
	startMem := getMemStats()
	fmt.Println("Start:", startMem)

	for _, s := range scenarios {
		var bar *progressbar.ProgressBar
		if progress {
			bar = progressbar.Default(s.steps(), s.Name)
		}
		start := time.Now()
		for i := range s.Iterations {
			if err := s.run(ctx); err != nil {
				return fmt.Errorf("%s: iteration %d: %w", s.Name, i, err)
			}
			if bar != nil {
				bar.Add(1)
			}
		}
		if bar != nil {
			bar.Close()
		}
		st := pyo3.ReadStats()
		fmt.Printf("%-20s %8s  deferred=%d drained=%d pending=%d\n",
			s.Name, time.Since(start).Round(time.Millisecond), st.DeferredDecRefs, st.Drained, st.Pending)
	}

	endMem := getMemStats()
	fmt.Println("End:  ", endMem)
	return checkBalance(pyo3.ReadStats())
}

// checkBalance verifies that every queued decrement has been applied.
func checkBalance(st pyo3.Stats) error {
	if st.Pending != 0 {
		return fmt.Errorf("%d decrements still pending", st.Pending)
	}
	if st.DeferredDecRefs != st.Drained {
		return fmt.Errorf("%d decrements queued but %d drained", st.DeferredDecRefs, st.Drained)
	}
	if st.Leaked != 0 {
		return fmt.Errorf("%d references leaked without Release", st.Leaked)
	}
	return nil
}
