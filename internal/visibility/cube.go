package visibility

import (
	"math"

	"farview/internal/tile"
)

// Cube treats every tile within Cutoff tiles of the viewer on each axis as
// visible, independently on every level. A tile at level L spans 1<<(Shift+L)
// level-0 units.
type Cube struct {
	shift           int
	limits          tile.Limits
	triggerDistance float64
}

func NewCube(shift int, limits tile.Limits) *Cube {
	half := float64(int(1) << shift >> 1)
	return &Cube{
		shift:           shift,
		limits:          limits,
		triggerDistance: half * half,
	}
}

func (c *Cube) Limits() tile.Limits {
	return c.limits
}

func (c *Cube) CurrentState(vp State) State {
	s := vp
	if s.Cutoff < 0 {
		s.Cutoff = 0
	}
	if s.MinLevel < 0 {
		s.MinLevel = 0
	}
	if s.MaxLevel > c.limits.Levels() {
		s.MaxLevel = c.limits.Levels()
	}
	if s.MaxLevel < s.MinLevel {
		s.MaxLevel = s.MinLevel
	}
	return s
}

// ShouldTriggerUpdate fires on any change of cutoff or level range, or once the
// viewer has moved half a tile from where the last update happened.
func (c *Cube) ShouldTriggerUpdate(prev, next State) bool {
	if prev.Cutoff != next.Cutoff || prev.MinLevel != next.MinLevel || prev.MaxLevel != next.MaxLevel {
		return true
	}
	dx, dy, dz := prev.X-next.X, prev.Y-next.Y, prev.Z-next.Z
	return dx*dx+dy*dy+dz*dz >= c.triggerDistance
}

func (c *Cube) All(s State, fn func(tile.Key)) {
	for lvl := s.MinLevel; lvl < s.MaxLevel; lvl++ {
		base := c.base(s, lvl)
		c.box(lvl, base, s.Cutoff, fn)
	}
}

func (c *Cube) Diff(prev, next State, added, removed func(tile.Key)) {
	lo := min(prev.MinLevel, next.MinLevel)
	hi := max(prev.MaxLevel, next.MaxLevel)

	for lvl := lo; lvl < hi; lvl++ {
		prevBase := c.base(prev, lvl)
		nextBase := c.base(next, lvl)
		inPrev, inNext := prev.HasLevel(lvl), next.HasLevel(lvl)

		if inPrev && inNext && prev.Cutoff == next.Cutoff && prevBase == nextBase {
			continue
		}

		if inPrev {
			c.box(lvl, prevBase, prev.Cutoff, func(k tile.Key) {
				if !inNext || !within(k, nextBase, next.Cutoff) {
					removed(k)
				}
			})
		}
		if inNext {
			c.box(lvl, nextBase, next.Cutoff, func(k tile.Key) {
				if !inPrev || !within(k, prevBase, prev.Cutoff) {
					added(k)
				}
			})
		}
	}
}

func (c *Cube) Visible(s State, k tile.Key) bool {
	return s.HasLevel(k.Level) && c.limits.Contains(k) && within(k, c.base(s, k.Level), s.Cutoff)
}

// Compare orders by level ascending, then by Manhattan distance to the tile
// under the viewer on that level.
func (c *Cube) Compare(s State) func(a, b tile.Key) int {
	bases := make([]tile.Key, max(s.MaxLevel, 0))
	for lvl := range bases {
		bases[lvl] = c.base(s, lvl)
	}
	baseFor := func(level int) tile.Key {
		if level < len(bases) {
			return bases[level]
		}
		return c.base(s, level)
	}

	return func(a, b tile.Key) int {
		if d := a.Level - b.Level; d != 0 {
			return d
		}
		base := baseFor(a.Level)
		da, db := a.ManhattanDistance(base), b.ManhattanDistance(base)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	}
}

// base is the tile containing the viewer at the given level.
func (c *Cube) base(s State, level int) tile.Key {
	shift := c.shift + level
	return tile.Key{
		Level: level,
		X:     roundShift(floor(s.X), shift),
		Y:     roundShift(floor(s.Y), shift),
		Z:     roundShift(floor(s.Z), shift),
	}
}

func (c *Cube) box(level int, base tile.Key, cutoff int, fn func(tile.Key)) {
	b, ok := c.limits.Level(level)
	if !ok {
		return
	}

	minX, maxX := max(base.X-cutoff, b.MinX), min(base.X+cutoff, b.MaxX-1)
	minY, maxY := max(base.Y-cutoff, b.MinY), min(base.Y+cutoff, b.MaxY-1)
	minZ, maxZ := max(base.Z-cutoff, b.MinZ), min(base.Z+cutoff, b.MaxZ-1)

	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			for z := minZ; z <= maxZ; z++ {
				fn(tile.Key{Level: level, X: x, Y: y, Z: z})
			}
		}
	}
}

func within(k, base tile.Key, radius int) bool {
	return abs(k.X-base.X) <= radius && abs(k.Y-base.Y) <= radius && abs(k.Z-base.Z) <= radius
}

// roundShift divides by 2^shift, rounding half up. Negative values shift arithmetically.
func roundShift(v, shift int) int {
	if shift <= 0 {
		return v
	}
	return (v + (1 << (shift - 1))) >> shift
}

func floor(v float64) int {
	return int(math.Floor(v))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
