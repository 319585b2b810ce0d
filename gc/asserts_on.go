//go:build gc.asserts

package gc

// Build with -tags=gc.asserts to check collector invariants on every
// allocation, barrier and collection.
const gcAsserts = true
