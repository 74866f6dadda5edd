package risk

import (
	"sort"

	"github.com/pearfect/engine/internal/model"
)

// EqualizeWeights splits 100 evenly across legs. Each leg gets 100/n
// rounded to the nearest integer and the last leg takes the remainder,
// so three legs become 33/33/34. The input is not modified.
func EqualizeWeights(legs []model.Leg) []model.Leg {
	out := append([]model.Leg(nil), legs...)
	n := len(out)
	if n == 0 {
		return out
	}
	w := (200 + n) / (2 * n) // round(100/n), halves up
	if w*(n-1) >= 100 {
		w = 100 / n
	}
	for i := range out {
		out[i].Weight = w
	}
	out[n-1].Weight = 100 - w*(n-1)
	return out
}

// NormalizeWeights scales legs proportionally so they sum to 100. Shares
// are floored and the leftover points go to the legs with the largest
// fractional parts, earlier legs first on ties. Legs that sum to zero or
// less are returned unchanged. The input is not modified.
func NormalizeWeights(legs []model.Leg) []model.Leg {
	out := append([]model.Leg(nil), legs...)
	total := 0
	for _, leg := range out {
		total += leg.Weight
	}
	if total <= 0 {
		return out
	}

	rems := make([]int, len(out))
	assigned := 0
	for i, leg := range out {
		scaled := leg.Weight * 100
		out[i].Weight = scaled / total
		rems[i] = scaled % total
		assigned += out[i].Weight
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rems[order[a]] > rems[order[b]] })
	for i := 0; assigned < 100 && i < len(order); i++ {
		out[order[i]].Weight++
		assigned++
	}
	return out
}
