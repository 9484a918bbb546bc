package mapping

// OrderStops returns a visiting order for stops that starts at stops[0]. It builds a
// nearest-neighbour tour and then improves it with 2-opt. Used when the provider's
// optimizer is unavailable.
func OrderStops(stops []Coordinate, iterations int) []int {
	n := len(stops)
	if n == 0 {
		return nil
	}
	order := nearestNeighbour(stops)
	if n < 4 {
		return order
	}
	if iterations <= 0 {
		iterations = 1
	}
	bestDist := PathDistance(stops, order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(order, i, k)
				if d := PathDistance(stops, cand); d+1e-3 < bestDist {
					order, bestDist = cand, d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return order
}

// PathDistance is the great-circle length in meters of visiting stops in order.
func PathDistance(stops []Coordinate, order []int) float64 {
	total := 0.0
	for i := 0; i+1 < len(order); i++ {
		total += Distance(stops[order[i]], stops[order[i+1]])
	}
	return total
}

func nearestNeighbour(stops []Coordinate) []int {
	n := len(stops)
	seen := make([]bool, n)
	order := make([]int, 0, n)
	cur := 0
	seen[0] = true
	order = append(order, 0)
	for len(order) < n {
		next, best := -1, 0.0
		for j := 1; j < n; j++ {
			if seen[j] {
				continue
			}
			if d := Distance(stops[cur], stops[j]); next < 0 || d < best {
				next, best = j, d
			}
		}
		seen[next] = true
		order = append(order, next)
		cur = next
	}
	return order
}

// twoOptSwap reverses order[i..k].
func twoOptSwap(order []int, i, k int) []int {
	out := make([]int, len(order))
	copy(out, order[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = order[j]
		pos++
	}
	copy(out[pos:], order[k+1:])
	return out
}
