package detections

import "image"

// Moore neighbourhood in clockwise order starting west (y grows downward).
var (
	mooreDX = [8]int{-1, -1, 0, 1, 1, 1, 0, -1}
	mooreDY = [8]int{0, -1, -1, -1, 0, 1, 1, 1}
)

// largestComponent labels the 8-connected foreground of mask (row-major, w x h)
// and returns the label grid and the label of the biggest component, or 0 if
// the mask is empty. Labels start at 1.
func largestComponent(mask []bool, w, h int) ([]int32, int32) {
	labels := make([]int32, len(mask))
	var (
		next      int32
		best      int32
		bestCount int
		queue     []int
	)
	for i, on := range mask {
		if !on || labels[i] != 0 {
			continue
		}
		next++
		labels[i] = next
		queue = append(queue[:0], i)
		count := 0
		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			count++
			px, py := p%w, p/w
			for d := 0; d < 8; d++ {
				nx, ny := px+mooreDX[d], py+mooreDY[d]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				n := ny*w + nx
				if mask[n] && labels[n] == 0 {
					labels[n] = next
					queue = append(queue, n)
				}
			}
		}
		if count > bestCount {
			best, bestCount = next, count
		}
	}
	return labels, best
}

// traceLargestContour returns the outer boundary of the largest 8-connected
// component of mask, clockwise from its top-most, left-most pixel.
func traceLargestContour(mask []bool, w, h int) []image.Point {
	if w <= 0 || h <= 0 || len(mask) != w*h {
		return nil
	}
	labels, label := largestComponent(mask, w, h)
	if label == 0 {
		return nil
	}
	inside := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < w && y < h && labels[y*w+x] == label
	}

	var start image.Point
	for i, l := range labels {
		if l == label {
			start = image.Pt(i%w, i/w)
			break
		}
	}

	contour := []image.Point{start}
	cur := start
	back, first := 0, -1
	for steps := 0; steps < 4*w*h+8; steps++ {
		d := -1
		for i := 1; i <= 8; i++ {
			dd := (back + i) % 8
			if inside(cur.X+mooreDX[dd], cur.Y+mooreDY[dd]) {
				d = dd
				break
			}
		}
		if d < 0 {
			return contour
		}
		if cur == start && d == first {
			break
		}
		if first < 0 {
			first = d
		}
		pd := (d + 7) % 8
		prev := image.Pt(cur.X+mooreDX[pd], cur.Y+mooreDY[pd])
		cur = image.Pt(cur.X+mooreDX[d], cur.Y+mooreDY[d])
		back = direction(prev.Sub(cur))
		contour = append(contour, cur)
	}

	if n := len(contour); n > 1 && contour[n-1] == contour[0] {
		contour = contour[:n-1]
	}
	return contour
}

func direction(off image.Point) int {
	for d := 0; d < 8; d++ {
		if mooreDX[d] == off.X && mooreDY[d] == off.Y {
			return d
		}
	}
	return 0
}
