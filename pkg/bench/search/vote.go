package search

import "context"

// Majority reports whether more than half of votes are true.
func Majority(votes []bool) bool {
	n := 0
	for _, v := range votes {
		if v {
			n++
		}
	}
	return 2*n > len(votes)
}

// Repeat returns an EvalFunc that calls eval n times in sequence and
// returns the majority verdict. All n trials run even if the verdict is
// already decided.
func Repeat(eval EvalFunc, n int) EvalFunc {
	return func(ctx context.Context, rate float64, heapCount, requiredCount int64) (bool, error) {
		votes := make([]bool, 0, n)
		for i := 0; i < n; i++ {
			good, err := eval(ctx, rate, heapCount, requiredCount)
			if err != nil {
				return false, err
			}
			votes = append(votes, good)
		}
		return Majority(votes), nil
	}
}
