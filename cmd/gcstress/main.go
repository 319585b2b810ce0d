// Command gcstress runs a random mutator against a generational heap and
// checks the collector invariants while it runs.
//
// Usage:
//
//	gcstress [flags]
//
// Heap parameters come from the file given with -config, overridden by the
// GENGC_OPTIONS environment variable (for example
// GENGC_OPTIONS='-nursery-size 64KB -debug'). The nursery size can also be
// set with GENGC_NURSERY.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/diagnostics"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/metrics"
)

type options struct {
	configPath string
	seed       int64
	steps      int
	slots      int
	check      int
	snapshots  string
	hexdump    string
	report     string
	step       bool
	color      string
	metrics    bool
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gcstress [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "flags:")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "heap options, also accepted in "+config.OptionsEnv+":")
	f := config.Default()
	f.FlagSet("", flag.ContinueOnError).PrintDefaults()
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML file with heap parameters")
	flag.Int64Var(&o.seed, "seed", time.Now().UnixNano(), "random seed")
	flag.IntVar(&o.steps, "steps", 100000, "number of mutator steps")
	flag.IntVar(&o.slots, "slots", 64, "number of root slots")
	flag.IntVar(&o.check, "check", 1000, "check the heap every `n` steps (0: only at the end)")
	flag.StringVar(&o.snapshots, "snapshots", "", "write a snapshot after every explicit collection to this ar archive")
	flag.StringVar(&o.hexdump, "hexdump", "", "dump the heap as Intel HEX to this file at the end")
	flag.StringVar(&o.report, "report", "", "append a summary line to this file")
	flag.BoolVar(&o.step, "step", false, "pause after every explicit collection")
	flag.StringVar(&o.color, "color", "auto", "colored output: auto, always or never")
	flag.BoolVar(&o.metrics, "metrics", false, "print all metrics at the end")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
		os.Exit(2)
	}

	os.Exit(run(newConsole(o.color), o))
}

func heapConfig(o options) (gc.Config, error) {
	f := config.Default()
	if o.configPath != "" {
		var err error
		f, err = config.Load(o.configPath)
		if err != nil {
			return gc.Config{}, err
		}
	}
	if err := f.ApplyEnv(nil); err != nil {
		return gc.Config{}, err
	}
	if err := f.Validate(); err != nil {
		return gc.Config{}, err
	}
	return f.Config(os.Stderr), nil
}

// run returns the exit code.
func run(c *console, o options) int {
	if o.slots <= 0 {
		c.printf(colorRed, "gcstress: -slots must be positive")
		return 2
	}
	cfg, err := heapConfig(o)
	if err != nil {
		c.printf(colorRed, "gcstress: %v", err)
		return 1
	}
	w, err := newWorkload(cfg, o.seed, o.slots)
	if err != nil {
		c.printf(colorRed, "gcstress: %v", err)
		return 1
	}
	defer w.Close()

	var archive *snapshotArchive
	if o.snapshots != "" {
		archive, err = createSnapshotArchive(o.snapshots)
		if err != nil {
			c.printf(colorRed, "gcstress: %v", err)
			return 1
		}
		defer archive.Close()
	}
	var st *stepper
	if o.step {
		st, err = newStepper(c, w)
		if err != nil {
			c.printf(colorRed, "gcstress: %v", err)
			return 1
		}
		defer st.Close()
	}
	w.onCollect = func(major bool, s *gc.Snapshot) error {
		if archive != nil {
			if err := archive.add(major, s); err != nil {
				return err
			}
		}
		if st != nil {
			return st.wait(major)
		}
		return nil
	}

	start := time.Now()
	err = w.run(o.steps, o.check)
	elapsed := time.Since(start)
	result := "ok"
	switch {
	case errors.Is(err, errQuit):
		result = "quit"
		c.printf("", "%v after %d steps", err, w.steps)
	case err != nil:
		result = "fail"
		c.printf(colorRed, "FAIL: seed %d, step %d", o.seed, w.steps)
		// Addresses are resolved against the heap, so this must run before
		// the heap is closed.
		diagnostics.CreateDiagnostics(w.h, err).Print(c.w)
	}

	if o.hexdump != "" {
		if err := writeHexdump(o.hexdump, w.h); err != nil {
			c.printf(colorRed, "gcstress: %v", err)
			result = "fail"
		}
	}
	if o.report != "" {
		if err := appendReport(o.report, reportLine(o.seed, w, elapsed, result)); err != nil {
			c.printf(colorRed, "gcstress: %v", err)
			result = "fail"
		}
	}
	c.printStats(w)
	if o.metrics {
		printMetrics(c, w.h)
	}
	if result == "fail" {
		return 1
	}
	if result == "ok" {
		c.printf(colorGreen, "ok: %d steps, seed %d, %v", w.steps, o.seed, elapsed)
	}
	return 0
}

// run executes n steps, verifying the heap every check steps and at the end.
// A collector panic is returned as an error.
func (w *workload) run(n, check int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %d: panic: %v", w.steps, r)
		}
		if err != nil && !errors.Is(err, errQuit) {
			w.failed = true
		}
	}()
	for i := 1; i <= n; i++ {
		if err := w.step(); err != nil {
			return err
		}
		if check > 0 && i%check == 0 {
			if err := w.verify(); err != nil {
				return err
			}
		}
	}
	return w.verify()
}

func writeHexdump(path string, h *gc.Heap) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, region := range []gc.Region{gc.RegionOld, gc.RegionPrebuilt} {
		if err := h.WriteHex(f, region); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func printMetrics(c *console, h *gc.Heap) {
	descs := metrics.All()
	samples := make([]metrics.Sample, len(descs))
	for i, d := range descs {
		samples[i].Name = d.Name
	}
	metrics.Read(h, samples)
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			c.printf("", "%s: %d", s.Name, s.Value.Uint64())
		case metrics.KindFloat64:
			c.printf("", "%s: %f", s.Name, s.Value.Float64())
		case metrics.KindFloat64Histogram:
			hist := s.Value.Float64Histogram()
			for i, count := range hist.Counts {
				if count != 0 {
					c.printf("", "%s: [%g, %g) %d", s.Name, hist.Buckets[i], hist.Buckets[i+1], count)
				}
			}
		}
	}
}
