package risk

import (
	"testing"

	"github.com/pearfect/engine/internal/model"
)

func weightsOf(legs []model.Leg) []int {
	out := make([]int, len(legs))
	for i, l := range legs {
		out[i] = l.Weight
	}
	return out
}

func sameWeights(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func legs(weights ...int) []model.Leg {
	assets := []string{"BTC", "ETH", "SOL", "ARB", "OP", "DOGE", "PEPE", "HYPE"}
	out := make([]model.Leg, len(weights))
	for i, w := range weights {
		out[i] = model.Leg{Asset: assets[i%len(assets)], Weight: w}
	}
	return out
}

func TestEqualizeWeights(t *testing.T) {
	tests := []struct {
		n    int
		want []int
	}{
		{1, []int{100}},
		{2, []int{50, 50}},
		{3, []int{33, 33, 34}},
		{6, []int{17, 17, 17, 17, 17, 15}},
		{7, []int{14, 14, 14, 14, 14, 14, 16}},
	}
	for _, tc := range tests {
		in := legs(make([]int, tc.n)...)
		got := EqualizeWeights(in)
		if !sameWeights(weightsOf(got), tc.want) {
			t.Errorf("n=%d: expected %v, got %v", tc.n, tc.want, weightsOf(got))
		}
		if err := checkWeights("long", got); err != nil {
			t.Errorf("n=%d: equalized legs should balance: %v", tc.n, err)
		}
		if in[0].Weight != 0 {
			t.Errorf("n=%d: input was modified", tc.n)
		}
	}

	if got := EqualizeWeights(nil); len(got) != 0 {
		t.Errorf("expected no legs, got %v", got)
	}
}

func TestNormalizeWeights(t *testing.T) {
	tests := []struct {
		in, want []int
	}{
		{[]int{1, 1, 1}, []int{34, 33, 33}},
		{[]int{2, 1}, []int{67, 33}},
		{[]int{3, 1}, []int{75, 25}},
		{[]int{50, 25, 25}, []int{50, 25, 25}},
		{[]int{40, 40, 40}, []int{34, 33, 33}},
		{[]int{10, 20, 30, 40, 50}, []int{7, 13, 20, 27, 33}},
	}
	for _, tc := range tests {
		got := NormalizeWeights(legs(tc.in...))
		if !sameWeights(weightsOf(got), tc.want) {
			t.Errorf("%v: expected %v, got %v", tc.in, tc.want, weightsOf(got))
		}
		if err := checkWeights("short", got); err != nil {
			t.Errorf("%v: normalized legs should balance: %v", tc.in, err)
		}
	}
}

func TestNormalizeWeights_ZeroTotalUnchanged(t *testing.T) {
	got := NormalizeWeights(legs(0, 0))
	if !sameWeights(weightsOf(got), []int{0, 0}) {
		t.Errorf("expected weights untouched, got %v", weightsOf(got))
	}
}
