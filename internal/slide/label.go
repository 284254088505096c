package slide

import (
	"fmt"
	"image"
	"sort"
)

// LabelMask is a row-major grid of object ids. 0 is background; a positive
// id refers to row id-1 of the slide feature table.
type LabelMask struct {
	Width  int
	Height int
	Pix    []uint32
}

func NewLabelMask(width, height int) *LabelMask {
	return &LabelMask{Width: width, Height: height, Pix: make([]uint32, width*height)}
}

// LabelMaskFromRows builds a mask from rows of ids; all rows must share a
// length.
func LabelMaskFromRows(rows [][]uint32) (*LabelMask, error) {
	if len(rows) == 0 {
		return NewLabelMask(0, 0), nil
	}
	m := NewLabelMask(len(rows[0]), len(rows))
	for y, row := range rows {
		if len(row) != m.Width {
			return nil, fmt.Errorf("label row %d has %d columns, want %d", y, len(row), m.Width)
		}
		copy(m.Pix[y*m.Width:], row)
	}
	return m, nil
}

func (m *LabelMask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *LabelMask) At(x, y int) uint32 {
	return m.Pix[y*m.Width+x]
}

func (m *LabelMask) Set(x, y int, id uint32) {
	m.Pix[y*m.Width+x] = id
}

func (m *LabelMask) Clone() *LabelMask {
	return &LabelMask{Width: m.Width, Height: m.Height, Pix: append([]uint32(nil), m.Pix...)}
}

// Crop copies the pixels inside r.
func (m *LabelMask) Crop(r image.Rectangle) (*LabelMask, error) {
	if !r.In(m.Bounds()) {
		return nil, fmt.Errorf("crop %v outside label mask %v", r, m.Bounds())
	}
	out := NewLabelMask(r.Dx(), r.Dy())
	for y := 0; y < out.Height; y++ {
		src := (r.Min.Y+y)*m.Width + r.Min.X
		copy(out.Pix[y*out.Width:(y+1)*out.Width], m.Pix[src:src+out.Width])
	}
	return out, nil
}

// Labels returns the distinct ids present, background included, ascending.
func (m *LabelMask) Labels() []uint32 {
	seen := make(map[uint32]struct{})
	for _, id := range m.Pix {
		seen[id] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *LabelMask) MaxLabel() uint32 {
	var maxID uint32
	for _, id := range m.Pix {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}
