package world

import "fmt"

// Field is a read-only obstacle mask in row-major order (1 = obstacle).
type Field struct {
	width  int
	height int
	cells  []uint8
}

// NewField copies mask, so later writes by the caller never show through.
func NewField(width, height int, mask []uint8) (*Field, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad field dimensions %dx%d", width, height)
	}
	if len(mask) != width*height {
		return nil, fmt.Errorf("mask has %d cells, want %d", len(mask), width*height)
	}
	cells := make([]uint8, len(mask))
	for i, v := range mask {
		if v != 0 {
			cells[i] = 1
		}
	}
	return &Field{width: width, height: height, cells: cells}, nil
}

func (f *Field) Width() int  { return f.width }
func (f *Field) Height() int { return f.height }

func (f *Field) At(i int) bool {
	if f == nil || i < 0 || i >= len(f.cells) {
		return false
	}
	return f.cells[i] != 0
}

func (f *Field) Count() int {
	if f == nil {
		return 0
	}
	n := 0
	for _, v := range f.cells {
		n += int(v)
	}
	return n
}

// Mask returns a copy of the cells, one byte per cell.
func (f *Field) Mask() []uint8 {
	if f == nil {
		return nil
	}
	out := make([]uint8, len(f.cells))
	copy(out, f.cells)
	return out
}

// EmptyMask is the OBSTACLES payload of an obstacle-free world.
func EmptyMask(width, height int) []uint8 {
	return make([]uint8, width*height)
}
