// Package config loads heap parameters from YAML files and option strings.
//
// A configuration file looks like this:
//
//	space-size: 8MB
//	nursery-size: 896KB
//	min-nursery-size: 48KB
//	auto-nursery-size: true
//
// Sizes are byte counts, either plain numbers or numbers with a unit such as
// KB, MB or GB (powers of 1024).
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/gengc/gc"
)

// OptionsEnv is the environment variable holding extra options, in the
// syntax accepted by File.ApplyOptions.
const OptionsEnv = "GENGC_OPTIONS"

// Size is a byte count. It implements flag.Value and reads YAML numbers as
// well as strings like "896KB".
type Size uintptr

// ParseSize parses a number of bytes with an optional unit.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if b < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return Size(b), nil
}

// String uses a unit when that loses no precision.
func (s Size) String() string {
	str := bytesize.New(float64(s)).String()
	if b, err := bytesize.Parse(str); err != nil || Size(b) != s {
		return strconv.FormatUint(uint64(s), 10)
	}
	return str
}

// Set implements flag.Value.
func (s *Size) Set(value string) error {
	n, err := ParseSize(value)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var value interface{}
	if err := unmarshal(&value); err != nil {
		return err
	}
	switch value := value.(type) {
	case int:
		if value < 0 {
			return fmt.Errorf("invalid size %d", value)
		}
		*s = Size(value)
	case int64:
		if value < 0 {
			return fmt.Errorf("invalid size %d", value)
		}
		*s = Size(value)
	case uint64:
		*s = Size(value)
	case string:
		return s.Set(value)
	default:
		return fmt.Errorf("invalid size %v", value)
	}
	return nil
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// File is the contents of a configuration file.
type File struct {
	SpaceSize       Size   `yaml:"space-size"`
	MaxSpaceSize    Size   `yaml:"max-space-size,omitempty"`
	NurserySize     Size   `yaml:"nursery-size"`
	MinNurserySize  Size   `yaml:"min-nursery-size"`
	AutoNurserySize bool   `yaml:"auto-nursery-size"`
	NurseryEnv      string `yaml:"nursery-env,omitempty"`
	StaticChunkSize Size   `yaml:"static-chunk-size,omitempty"`

	// L2CacheSize replaces the probe of the host's cache when set.
	L2CacheSize Size `yaml:"l2-cache-size,omitempty"`

	// Debug enables the collector trace.
	Debug bool `yaml:"debug,omitempty"`
}

// Default returns the configuration matching gc.DefaultConfig.
func Default() File {
	c := gc.DefaultConfig()
	return File{
		SpaceSize:       Size(c.SpaceSize),
		NurserySize:     Size(c.NurserySize),
		MinNurserySize:  Size(c.MinNurserySize),
		AutoNurserySize: c.AutoNurserySize,
		StaticChunkSize: Size(c.StaticChunkSize),
	}
}

// Parse reads a YAML configuration. Keys missing from data keep their
// default value; unknown keys are an error.
func Parse(data []byte) (File, error) {
	f := Default()
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

// Load reads the configuration file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Marshal returns the YAML form of f.
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// FlagSet returns a flag set that writes into f. The flag names are the
// YAML keys.
func (f *File) FlagSet(name string, errorHandling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet(name, errorHandling)
	fs.Var(&f.SpaceSize, "space-size", "size of each semispace")
	fs.Var(&f.MaxSpaceSize, "max-space-size", "limit for growing the semispaces")
	fs.Var(&f.NurserySize, "nursery-size", "initial nursery size")
	fs.Var(&f.MinNurserySize, "min-nursery-size", "minimal nursery size")
	fs.BoolVar(&f.AutoNurserySize, "auto-nursery-size", f.AutoNurserySize, "size the nursery from the environment or the L2 cache")
	fs.StringVar(&f.NurseryEnv, "nursery-env", f.NurseryEnv, "environment variable with an explicit nursery size")
	fs.Var(&f.StaticChunkSize, "static-chunk-size", "size of the arenas holding prebuilt objects")
	fs.Var(&f.L2CacheSize, "l2-cache-size", "assume this L2 cache size instead of probing")
	fs.BoolVar(&f.Debug, "debug", f.Debug, "trace collector activity")
	return fs
}

// ApplyOptions parses a shell-quoted option string such as
// `-nursery-size 64KB -debug` over f.
func (f *File) ApplyOptions(options string) error {
	args, err := shlex.Split(options)
	if err != nil {
		return fmt.Errorf("config: %s: %w", OptionsEnv, err)
	}
	fs := f.FlagSet(OptionsEnv, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: %s: %w", OptionsEnv, err)
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("config: %s: unexpected argument %q", OptionsEnv, fs.Arg(0))
	}
	return nil
}

// ApplyEnv applies the options in the OptionsEnv environment variable, if
// it is set.
func (f *File) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	options, ok := lookup(OptionsEnv)
	if !ok {
		return nil
	}
	return f.ApplyOptions(options)
}

// Config converts f into heap parameters. The debug trace, if enabled, is
// written to debug.
func (f File) Config(debug io.Writer) gc.Config {
	c := gc.Config{
		SpaceSize:       uintptr(f.SpaceSize),
		MaxSpaceSize:    uintptr(f.MaxSpaceSize),
		NurserySize:     uintptr(f.NurserySize),
		MinNurserySize:  uintptr(f.MinNurserySize),
		AutoNurserySize: f.AutoNurserySize,
		NurseryEnv:      f.NurseryEnv,
		StaticChunkSize: uintptr(f.StaticChunkSize),
	}
	if f.L2CacheSize != 0 {
		c.CacheProbe = gc.FixedProbe(f.L2CacheSize)
	}
	if f.Debug {
		c.Debug = debug
	}
	return c
}

// Validate checks the sizes the way gc.New does.
func (f File) Validate() error {
	c := f.Config(nil)
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
