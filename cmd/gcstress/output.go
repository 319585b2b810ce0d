package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blakesmith/ar"
	"github.com/gofrs/flock"
	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-tty"

	"github.com/tinygo-org/gengc/gc"
)

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorCyan  = "\x1b[36m"
	colorReset = "\x1b[0m"
)

// console writes status lines, in color when stdout is a terminal.
type console struct {
	w     io.Writer
	color bool
}

func newConsole(mode string) *console {
	fd := os.Stdout.Fd()
	color := false
	switch mode {
	case "always":
		color = true
	case "auto":
		color = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &console{w: colorable.NewColorable(os.Stdout), color: color}
}

func (c *console) printf(color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if c.color && color != "" {
		msg = color + msg + colorReset
	}
	fmt.Fprintln(c.w, msg)
}

func size(n uint64) string {
	return bytesize.New(float64(n)).String()
}

// printStats prints a summary of the heap state.
func (c *console) printStats(w *workload) {
	var mem gc.MemStats
	var stats gc.GCStats
	w.h.ReadMemStats(&mem)
	w.h.ReadGCStats(&stats)
	c.printf(colorCyan, "step %d: %d minor, %d major collections, %d doublings",
		w.steps, stats.NumMinorGC, stats.NumMajorGC, stats.Doublings)
	c.printf("", "  space %s, old %s, free %s, nursery %s (%s used)",
		size(mem.SpaceSize), size(mem.HeapInuse), size(mem.HeapFree),
		size(mem.NurserySize), size(mem.NurseryInuse))
	c.printf("", "  allocated %d objects (%s), promoted %s, survived %s",
		mem.Mallocs, size(mem.TotalAlloc), size(stats.Promoted), size(stats.Survived))
	c.printf("", "  remembered %d, last generation roots %d, weakrefs %d, ids %d, finalized %d",
		mem.RememberedSet, mem.LastGenerationRoots, mem.ObjectsWithWeakrefs, mem.ObjectsWithIDs, w.finalized)
	if len(stats.Pause) > 0 {
		c.printf("", "  last pause %v, total %v", stats.Pause[0], stats.PauseTotal)
	}
}

// snapshotArchive stores encoded snapshots as members of an ar archive.
type snapshotArchive struct {
	f *os.File
	w *ar.Writer
	n int
}

func createSnapshotArchive(path string) (*snapshotArchive, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := ar.NewWriter(f)
	if err := w.WriteGlobalHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return &snapshotArchive{f: f, w: w}, nil
}

// add writes one snapshot. Member names fit the 16 characters of the ar
// header.
func (a *snapshotArchive) add(major bool, s *gc.Snapshot) error {
	a.n++
	kind := "min"
	if major {
		kind = "maj"
	}
	data := s.Encode()
	hdr := &ar.Header{
		Name:    fmt.Sprintf("%s%06d.ggcs", kind, a.n),
		ModTime: time.Now(),
		Mode:    0o644,
		Size:    int64(len(data)),
	}
	if err := a.w.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := a.w.Write(data)
	return err
}

func (a *snapshotArchive) Close() error {
	return a.f.Close()
}

// appendReport appends one line to the report file. The file is locked so
// that concurrent runs can share it.
func appendReport(path, line string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func reportLine(seed int64, w *workload, elapsed time.Duration, result string) string {
	var stats gc.GCStats
	w.h.ReadGCStats(&stats)
	return fmt.Sprintf("seed=%d steps=%d minor=%d major=%d doublings=%d finalized=%d elapsed=%v result=%s",
		seed, w.steps, stats.NumMinorGC, stats.NumMajorGC, stats.Doublings, w.finalized, elapsed, result)
}

// stepper pauses after every explicit collection until a key is pressed.
type stepper struct {
	tty *tty.TTY
	c   *console
	w   *workload
	off bool
}

func newStepper(c *console, w *workload) (*stepper, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	return &stepper{tty: t, c: c, w: w}, nil
}

var errQuit = errors.New("stopped by user")

// wait returns errQuit when the user asks to stop.
func (s *stepper) wait(major bool) error {
	if s.off {
		return nil
	}
	kind := "minor"
	if major {
		kind = "major"
	}
	s.c.printf(colorCyan, "%s collection done [enter: next, s: stats, c: continue, q: quit]", kind)
	for {
		r, err := s.tty.ReadRune()
		if err != nil {
			return err
		}
		switch r {
		case 'q':
			return errQuit
		case 'c':
			s.off = true
			return nil
		case 's':
			s.c.printStats(s.w)
		default:
			return nil
		}
	}
}

func (s *stepper) Close() error {
	return s.tty.Close()
}
