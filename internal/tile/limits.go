package tile

// Bounds is an axis-aligned box of tile coordinates at one level.
// Min is inclusive, Max is exclusive.
type Bounds struct {
	MinX, MinY, MinZ int
	MaxX, MaxY, MaxZ int
}

func (b Bounds) Contains(x, y, z int) bool {
	return x >= b.MinX && x < b.MaxX &&
		y >= b.MinY && y < b.MaxY &&
		z >= b.MinZ && z < b.MaxZ
}

// Empty reports whether the bounds hold no coordinates at all.
func (b Bounds) Empty() bool {
	return b.MaxX <= b.MinX || b.MaxY <= b.MinY || b.MaxZ <= b.MinZ
}

// Count is the number of tiles inside the bounds.
func (b Bounds) Count() int {
	if b.Empty() {
		return 0
	}
	return (b.MaxX - b.MinX) * (b.MaxY - b.MinY) * (b.MaxZ - b.MinZ)
}

// Limits holds the coordinate bounds of every level, indexed by level.
type Limits []Bounds

func (l Limits) Levels() int {
	return len(l)
}

func (l Limits) Level(level int) (Bounds, bool) {
	if level < 0 || level >= len(l) {
		return Bounds{}, false
	}
	return l[level], true
}

func (l Limits) Contains(k Key) bool {
	b, ok := l.Level(k.Level)
	return ok && b.Contains(k.X, k.Y, k.Z)
}

// Pyramid builds limits for a dataset that is width x height x depth tiles at
// level 0, halving every axis but z on each level until it is a single tile.
func Pyramid(width, height, depth, levels int) Limits {
	if depth < 1 {
		depth = 1
	}

	limits := make(Limits, 0, levels)
	w, h := width, height
	for lvl := 0; lvl < levels; lvl++ {
		limits = append(limits, Bounds{MaxX: w, MaxY: h, MaxZ: depth})
		w = (w + 1) >> 1
		h = (h + 1) >> 1
	}
	return limits
}
