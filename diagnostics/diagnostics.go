// Package diagnostics formats heap consistency errors and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/tinygo-org/gengc/gc"
)

// A single diagnostic.
type Diagnostic struct {
	Addr gc.Address
	Msg  string

	// Where the object lives, if the address is known to the heap. Offset is
	// relative to the start of the region.
	Region gc.Region
	Offset uintptr
	Type   string
}

// All diagnostics about objects of one heap region.
type RegionDiagnostic struct {
	Region      gc.Region
	Diagnostics []Diagnostic
}

// Diagnostics of a whole heap, grouped by region.
type HeapDiagnostic []RegionDiagnostic

// Order in which regions are printed. Problems that are not about an object
// come last.
var regionOrder = []gc.Region{gc.RegionNursery, gc.RegionOld, gc.RegionPrebuilt, gc.RegionNone}

// CreateDiagnostics reads the underlying errors in the error object and
// creates a set of diagnostics that's sorted and can be readily printed.
// Addresses are resolved against h, which must be the heap that was checked
// and must not have been collected since.
func CreateDiagnostics(h *gc.Heap, err error) HeapDiagnostic {
	if err == nil {
		return nil
	}
	byRegion := make(map[gc.Region][]Diagnostic)
	for _, diag := range createDiagnostics(h, err) {
		byRegion[diag.Region] = append(byRegion[diag.Region], diag)
	}
	var heapDiag HeapDiagnostic
	for _, region := range regionOrder {
		diags := byRegion[region]
		if len(diags) == 0 {
			continue
		}
		// Sort these diagnostics by address. Problems about the same object
		// keep the order in which they were found.
		sort.SliceStable(diags, func(i, j int) bool {
			return diags[i].Addr < diags[j].Addr
		})
		heapDiag = append(heapDiag, RegionDiagnostic{Region: region, Diagnostics: diags})
	}
	return heapDiag
}

// Extract diagnostics from the given error and return them as a slice
// (which in many cases will just be a single diagnostic).
func createDiagnostics(h *gc.Heap, err error) []Diagnostic {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var diags []Diagnostic
		for _, err := range multi.Unwrap() {
			diags = append(diags, createDiagnostics(h, err)...)
		}
		return diags
	}
	var cerr *gc.ConsistencyError
	if errors.As(err, &cerr) {
		diags := make([]Diagnostic, 0, len(cerr.Problems))
		for _, p := range cerr.Problems {
			diags = append(diags, newDiagnostic(h, p.Object, p.Message))
		}
		return diags
	}
	return []Diagnostic{{Msg: err.Error()}}
}

func newDiagnostic(h *gc.Heap, addr gc.Address, msg string) Diagnostic {
	diag := Diagnostic{Addr: addr, Msg: msg}
	if h != nil {
		region, base := h.Locate(addr)
		diag.Region = region
		if region != gc.RegionNone {
			diag.Offset = addr.Diff(base)
			diag.Type = h.TypeName(addr)
		}
	}
	return diag
}

// Write heap diagnostics to the given writer.
func (heapDiag HeapDiagnostic) Print(w io.Writer) {
	for _, regionDiag := range heapDiag {
		regionDiag.Print(w)
	}
}

// Write region diagnostics to the given writer.
func (regionDiag RegionDiagnostic) Print(w io.Writer) {
	if regionDiag.Region != gc.RegionNone {
		fmt.Fprintln(w, "#", regionDiag.Region)
	}
	for _, diag := range regionDiag.Diagnostics {
		diag.Print(w)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) Print(w io.Writer) {
	if diag.Addr == gc.Nil {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", RelativeAddress(diag), diag.Msg)
}

// RelativeAddress formats the location of a diagnostic as region+offset,
// followed by the type name when known. Addresses outside the heap are
// printed in full.
func RelativeAddress(diag Diagnostic) string {
	if diag.Region == gc.RegionNone {
		return diag.Addr.String()
	}
	s := fmt.Sprintf("%s+%#x", diag.Region, diag.Offset)
	if diag.Type != "" {
		s += " (" + diag.Type + ")"
	}
	return s
}
