package search

import (
	"context"
	"errors"
	"testing"
)

func TestMajority_AllCombinations(t *testing.T) {
	for mask := 0; mask < 32; mask++ {
		votes := make([]bool, 5)
		n := 0
		for i := range votes {
			votes[i] = mask&(1<<i) != 0
			if votes[i] {
				n++
			}
		}
		if got, want := Majority(votes), n >= 3; got != want {
			t.Errorf("Majority(%v) = %v, want %v", votes, got, want)
		}
	}
}

func TestRepeat(t *testing.T) {
	for mask := 0; mask < 32; mask++ {
		calls := 0
		eval := Repeat(func(context.Context, float64, int64, int64) (bool, error) {
			v := mask&(1<<calls) != 0
			calls++
			return v, nil
		}, 5)
		got, err := eval(context.Background(), 1, 10, 9)
		if err != nil {
			t.Fatalf("eval() error = %v", err)
		}
		if calls != 5 {
			t.Errorf("mask %05b: %d trials, want 5", mask, calls)
		}
		want := 0
		for i := 0; i < 5; i++ {
			if mask&(1<<i) != 0 {
				want++
			}
		}
		if got != (want >= 3) {
			t.Errorf("mask %05b: Repeat() = %v, want %v", mask, got, want >= 3)
		}
	}
}

func TestRepeat_StopsOnError(t *testing.T) {
	want := errors.New("closed")
	calls := 0
	eval := Repeat(func(context.Context, float64, int64, int64) (bool, error) {
		calls++
		if calls == 2 {
			return false, want
		}
		return true, nil
	}, 5)
	if _, err := eval(context.Background(), 1, 10, 9); !errors.Is(err, want) {
		t.Errorf("eval() error = %v, want %v", err, want)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
