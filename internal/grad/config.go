// Package grad implements the adjoint-storage core of an IR-level
// automatic-differentiation transformation.
//
// Given a function being differentiated, the package owns the shadow
// (derivative) storage for every active value, the three sanctioned
// operations over that storage (Diffe, SetDiffe, AddToDiffe), the
// pointer-targeted accumulation path with its atomicity decisions,
// and the freeing of cached forward-pass memory on the reverse path.
//
// Architecture:
//   - Utils: one session per (function, mode, width); owns all maps
//   - Shadow type mapping: width-replicated derivative types
//   - Differential access protocol: Diffe / SetDiffe / AddToDiffe
//   - Pointer accumulation: AddToInvertedPtrDiffe, atomic or not
//   - Cache lifetime: FreeCache emits deallocations on reverse paths
//
// All misuse (accumulating into constants, pointer-typed values,
// masked aggregate recursion, foreign values) is a contract violation
// and panics immediately; nothing here retries or recovers.
package grad

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Mode selects the derivative construction being performed.
type Mode int

// Derivative modes.
const (
	// ReverseModeGradient builds only the reverse (adjoint) pass; the
	// forward pass ran separately and left a tape of cached values.
	ReverseModeGradient Mode = iota
	// ReverseModeCombined builds forward and reverse passes in one
	// function.
	ReverseModeCombined
	// ForwardMode propagates tangents alongside the original
	// computation; derivative flow is carried by shadow values, not
	// accumulated storage.
	ForwardMode
	// ForwardModeSplit is forward mode split across a tape boundary.
	ForwardModeSplit
	// ReverseModePrimal is the forward half of a split reverse
	// differentiation; it never constructs derivative storage and is
	// rejected by NewUtils.
	ReverseModePrimal
)

// String returns the mode's name.
func (m Mode) String() string {
	switch m {
	case ReverseModeGradient:
		return "ReverseModeGradient"
	case ReverseModeCombined:
		return "ReverseModeCombined"
	case ForwardMode:
		return "ForwardMode"
	case ForwardModeSplit:
		return "ForwardModeSplit"
	case ReverseModePrimal:
		return "ReverseModePrimal"
	default:
		return "UnknownMode"
	}
}

// IsReverse reports whether m accumulates adjoints in shadow slots.
func (m Mode) IsReverse() bool {
	return m == ReverseModeGradient || m == ReverseModeCombined
}

// IsForward reports whether m carries tangents as shadow values.
func (m Mode) IsForward() bool {
	return m == ForwardMode || m == ForwardModeSplit
}

// Config is the policy under which one differentiation session runs.
type Config struct {
	// Mode is the derivative mode.
	Mode Mode `toml:"-"`
	// Width is the number of derivative lanes computed at once.
	Width int `toml:"width"`
	// AtomicAdd requests atomic accumulation through pointers that
	// may be shared between concurrently executing instances.
	AtomicAdd bool `toml:"atomic_add"`
	// FreeMemory enables deallocation of cached forward-pass values
	// once the reverse pass has consumed them.
	FreeMemory bool `toml:"free_memory"`
	// LooseTypes permits inferring a float add-type from an integer
	// slot's bit width when no static type information is available.
	// Strictly weaker than a caller-supplied type hint.
	LooseTypes bool `toml:"loose_types"`
	// FastMath tags emitted floating-point ops with the fast flag.
	FastMath bool `toml:"fast_math"`
	// OpenMP marks the function as running under an OpenMP-style
	// outlined parallel region.
	OpenMP bool `toml:"openmp"`
}

// DefaultConfig is the policy used when no config file is given.
func DefaultConfig() Config {
	return Config{
		Mode:       ReverseModeGradient,
		Width:      1,
		AtomicAdd:  true,
		FreeMemory: true,
		FastMath:   true,
	}
}

// fileConfig mirrors the TOML surface, including the mode by name.
type fileConfig struct {
	Mode string `toml:"mode"`
	Config
}

// LoadConfig reads a TOML policy file, applying defaults for keys the
// file does not set.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	fc := fileConfig{Config: DefaultConfig()}
	meta, err := toml.Decode(string(data), &fc)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(meta.Undecoded()) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, meta.Undecoded()[0])
	}
	cfg := fc.Config
	switch fc.Mode {
	case "", "reverse":
		cfg.Mode = ReverseModeGradient
	case "reverse-combined":
		cfg.Mode = ReverseModeCombined
	case "forward":
		cfg.Mode = ForwardMode
	case "forward-split":
		cfg.Mode = ForwardModeSplit
	default:
		return Config{}, fmt.Errorf("config %s: unknown mode %q", path, fc.Mode)
	}
	if cfg.Width < 1 {
		return Config{}, fmt.Errorf("config %s: width must be at least 1, got %d", path, cfg.Width)
	}
	return cfg, nil
}
