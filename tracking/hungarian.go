package tracking

import (
	"sort"

	hungarian "github.com/arthurkushman/go-hungarian"
)

// assign solves the rectangular minimum-cost assignment over cost (rows x cols)
// and returns one [row, col] pair per matched row or column, whichever is fewer,
// ordered by row.
func assign(cost [][]float64) [][2]int {
	n := len(cost)
	if n == 0 || len(cost[0]) == 0 {
		return nil
	}
	m := len(cost[0])

	// every assignment covers min(n, m) real cells, so a uniform shift to
	// non-negative costs leaves the optimum in place
	floor := 0.0
	for _, row := range cost {
		for _, c := range row {
			floor = min(floor, c)
		}
	}

	// the solver wants a square matrix; padding cells cost nothing and are
	// dropped from the result
	size := max(n, m)
	square := make([][]float64, size)
	for i := range square {
		square[i] = make([]float64, size)
		if i >= n {
			continue
		}
		for j, c := range cost[i] {
			square[i][j] = c - floor
		}
	}

	pairs := make([][2]int, 0, min(n, m))
	for row, cols := range hungarian.SolveMin(square) {
		for col := range cols {
			if row < n && col < m {
				pairs = append(pairs, [2]int{row, col})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}
