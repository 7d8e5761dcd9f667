// Package grad provides the adjoint-storage core of the IR-level
// automatic-differentiation transformation.
//
// Example:
//
//	cfg := grad.DefaultConfig()
//	gu := grad.NewUtils(cfg, oldFn, newFn, allocBlock, activity, nil)
//	b := ir.NewBuilder(gu.ReverseBlocks(block)[0])
//	gu.AddToDiffe(x, contribution, b, nil, nil, nil)
package grad

import "github.com/adjoint-ml/adjoint/internal/grad"

// Session and policy types.
type (
	Utils  = grad.Utils
	Config = grad.Config
	Mode   = grad.Mode

	Activity       = grad.Activity
	Lookup         = grad.Lookup
	IdentityLookup = grad.IdentityLookup

	LoopIndex     = grad.LoopIndex
	ContainedLoop = grad.ContainedLoop
	SubLimit      = grad.SubLimit
)

// Derivative modes.
const (
	ReverseModeGradient = grad.ReverseModeGradient
	ReverseModeCombined = grad.ReverseModeCombined
	ForwardMode         = grad.ForwardMode
	ForwardModeSplit    = grad.ForwardModeSplit
	ReverseModePrimal   = grad.ReverseModePrimal
)

// Constructors.
var (
	NewUtils      = grad.NewUtils
	DefaultConfig = grad.DefaultConfig
	LoadConfig    = grad.LoadConfig
)
