// Package visibility decides which tiles a viewer can see.
package visibility

import (
	"farview/internal/tile"
)

// State is an immutable snapshot of what a viewer is looking at. Coordinates are
// in level-0 pixels (or voxels); levels are the half-open range [MinLevel, MaxLevel).
type State struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Cutoff   int     `json:"cutoff"`
	MinLevel int     `json:"minLevel"`
	MaxLevel int     `json:"maxLevel"`
}

func (s State) HasLevel(level int) bool {
	return level >= s.MinLevel && level < s.MaxLevel
}

// Policy is the strategy a tracker uses to turn viewer states into tile sets.
type Policy interface {
	// CurrentState normalizes the viewpoint reported by a session.
	CurrentState(viewpoint State) State

	// ShouldTriggerUpdate reports whether moving from prev to next is worth
	// recomputing the visible set.
	ShouldTriggerUpdate(prev, next State) bool

	// All calls fn once for every tile visible in s.
	All(s State, fn func(tile.Key))

	// Diff calls added for tiles visible in next but not prev, and removed for
	// tiles visible in prev but not next.
	Diff(prev, next State, added, removed func(tile.Key))

	Visible(s State, k tile.Key) bool

	// Compare returns a load-priority ordering for s, suitable for slices.SortFunc.
	Compare(s State) func(a, b tile.Key) int
}
