// Package switcherbinding implements the SwitcherBinding of §4.5: a thin
// adapter that translates controller slot state into the switcher's
// subscription set and issues the switchSource crossfade command.
package switcherbinding

import "github.com/denpacast/smoothcast/internal/engine"

// Binding wraps an engine.Switcher with the fixed transition duration the
// controller was configured with, so callers never have to thread it
// through every SwitchSource call.
type Binding struct {
	switcher     engine.Switcher
	transitionMs int64
}

// New builds a Binding over switcher, crossfading over transitionMs whenever
// Activate is called.
func New(switcher engine.Switcher, transitionMs int64) *Binding {
	return &Binding{switcher: switcher, transitionMs: transitionMs}
}

// RefreshSubs replaces the switcher's complete pin subscription set. The
// controller calls this from refreshSubs before any Activate, so the target
// pin always exists in the switcher's subscription set first.
func (b *Binding) RefreshSubs(subs map[string][]engine.StreamKey) error {
	return b.switcher.SubscribeToPins(subs)
}

// Activate commands a crossfade to pin over the configured transition
// duration.
func (b *Binding) Activate(pin string) error {
	return b.switcher.SwitchSource(pin, b.transitionMs)
}
