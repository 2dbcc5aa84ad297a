// Package world is the pure geometry of a bounded 2-D grid: centered coordinates,
// boundary wrap, row-major addressing and an optional obstacle mask.
// It holds no simulation state and is safe for concurrent readers.
package world

import "fmt"

// Pos is a cell in centered coordinates. The target cell is the origin.
type Pos struct {
	X int
	Y int
}

// Target is the distinguished cell every walk tries to reach.
var Target = Pos{}

type WorldConfig struct {
	Width  int
	Height int
	Wrap   bool
}

func (c WorldConfig) Validate() error {
	if c.Width <= 0 || c.Width%2 == 0 {
		return fmt.Errorf("width must be a positive odd number: %d", c.Width)
	}
	if c.Height <= 0 || c.Height%2 == 0 {
		return fmt.Errorf("height must be a positive odd number: %d", c.Height)
	}
	return nil
}

// World is immutable once built. A new obstacle layout means a new World.
type World struct {
	cfg   WorldConfig
	field *Field

	minX, maxX int
	minY, maxY int
}

func New(cfg WorldConfig, field *Field) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if field != nil {
		if field.width != cfg.Width || field.height != cfg.Height {
			return nil, fmt.Errorf("obstacle field is %dx%d, world is %dx%d", field.width, field.height, cfg.Width, cfg.Height)
		}
		if field.At(cfg.index(Target)) {
			return nil, fmt.Errorf("target cell is an obstacle")
		}
	}
	return &World{
		cfg:   cfg,
		field: field,
		minX:  -(cfg.Width / 2),
		maxX:  cfg.Width / 2,
		minY:  -(cfg.Height / 2),
		maxY:  cfg.Height / 2,
	}, nil
}

func (w *World) Config() WorldConfig { return w.cfg }
func (w *World) Width() int          { return w.cfg.Width }
func (w *World) Height() int         { return w.cfg.Height }
func (w *World) Cells() int          { return w.cfg.Width * w.cfg.Height }

// Field returns the installed obstacle field, or nil for an obstacle-free world.
func (w *World) Field() *Field { return w.field }

func (w *World) Bounds() (min, max Pos) {
	return Pos{X: w.minX, Y: w.minY}, Pos{X: w.maxX, Y: w.maxY}
}

func (w *World) InBounds(p Pos) bool {
	return p.X >= w.minX && p.X <= w.maxX && p.Y >= w.minY && p.Y <= w.maxY
}

// Contains reports whether p lies inside a world built from c.
func (c WorldConfig) Contains(p Pos) bool {
	hw, hh := c.Width/2, c.Height/2
	return p.X >= -hw && p.X <= hw && p.Y >= -hh && p.Y <= hh
}

// Wrap maps a position at most one cell outside the grid back inside.
// Stepping past an edge reappears on the opposite edge of that axis. This is a
// reflection to the far edge, not a modulo, so it only holds for single-cell moves.
// Worlds built without the wrap flag clamp onto the edge instead.
func (w *World) Wrap(p Pos) Pos {
	if !w.cfg.Wrap {
		return Pos{X: clamp(p.X, w.minX, w.maxX), Y: clamp(p.Y, w.minY, w.maxY)}
	}
	if p.X < w.minX {
		p.X = w.maxX
	}
	if p.X > w.maxX {
		p.X = w.minX
	}
	if p.Y < w.minY {
		p.Y = w.maxY
	}
	if p.Y > w.maxY {
		p.Y = w.minY
	}
	return p
}

// Index maps a centered position to a row-major offset. Row 0 is the top row (y = max).
func (w *World) Index(p Pos) int {
	return w.cfg.index(p)
}

// Coord is the inverse of Index.
func (w *World) Coord(i int) Pos {
	return Pos{
		X: i%w.cfg.Width - w.cfg.Width/2,
		Y: w.cfg.Height/2 - i/w.cfg.Width,
	}
}

func (w *World) IsObstacle(p Pos) bool {
	if w.field == nil {
		return false
	}
	return w.field.At(w.Index(p))
}

// Neighbors returns the wrapped 4-neighbourhood in up, down, left, right order.
func (w *World) Neighbors(p Pos) [4]Pos {
	return [4]Pos{
		w.Wrap(Pos{X: p.X, Y: p.Y + 1}),
		w.Wrap(Pos{X: p.X, Y: p.Y - 1}),
		w.Wrap(Pos{X: p.X - 1, Y: p.Y}),
		w.Wrap(Pos{X: p.X + 1, Y: p.Y}),
	}
}

func (c WorldConfig) index(p Pos) int {
	ix := p.X + c.Width/2
	iy := c.Height/2 - p.Y
	return iy*c.Width + ix
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
