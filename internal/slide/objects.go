package slide

import "sort"

// RemovePartialObjects clears, in place, every foreground pixel that is
// 4-connected through foreground to the mask border. Only objects whose
// whole footprint lies inside the mask survive. Touching objects form one
// component, so an interior object adjacent to a truncated one is cleared
// with it.
func RemovePartialObjects(m *LabelMask) {
	w, h := m.Width, m.Height
	if w == 0 || h == 0 {
		return
	}
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		i := y*w + x
		if m.Pix[i] == 0 {
			return
		}
		m.Pix[i] = 0
		queue = append(queue, i)
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}
}

// Relabel returns the ascending distinct positive ids of m and a dense copy
// of m where background stays 0 and each id is replaced by its 1-based rank.
func Relabel(m *LabelMask) ([]uint32, []int) {
	var ids []uint32
	for _, id := range m.Labels() {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	dense := make([]int, len(m.Pix))
	for i, id := range m.Pix {
		if id == 0 {
			continue
		}
		dense[i] = sort.Search(len(ids), func(k int) bool { return ids[k] >= id }) + 1
	}
	return ids, dense
}
