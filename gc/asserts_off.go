//go:build !gc.asserts

package gc

const gcAsserts = false
