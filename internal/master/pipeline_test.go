package master

import (
	"context"
	"errors"
	"testing"

	"github.com/NAOC-pulsar/spead2/pkg/spead"
)

// recorder checks the window discipline as heaps are submitted.
type recorder struct {
	t           *testing.T
	window      int
	submitted   []*spead.Heap
	waited      []int
	outstanding int
	maxOut      int
	failAt      int
}

type recordedFuture struct {
	r   *recorder
	idx int
	err error
}

func (f *recordedFuture) Wait(ctx context.Context) error {
	f.r.waited = append(f.r.waited, f.idx)
	f.r.outstanding--
	return f.err
}

func (r *recorder) Submit(ctx context.Context, h *spead.Heap) spead.Future {
	if r.outstanding >= r.window {
		r.t.Errorf("submission %d with %d outstanding", len(r.submitted), r.outstanding)
	}
	r.outstanding++
	if r.outstanding > r.maxOut {
		r.maxOut = r.outstanding
	}
	f := &recordedFuture{r: r, idx: len(r.submitted)}
	if r.failAt > 0 && len(r.submitted) == r.failAt {
		f.err = errors.New("send failed")
	}
	r.submitted = append(r.submitted, h)
	return f
}

func TestSendStream_Window(t *testing.T) {
	for _, heaps := range []int64{1, 2, 3, 10, 257} {
		r := &recorder{t: t, window: 2}
		err := SendStream(context.Background(), r, spead.NewItemGroup(4), heaps, 2)
		if err != nil {
			t.Fatalf("SendStream(%d) error = %v", heaps, err)
		}
		if int64(len(r.submitted)) != heaps {
			t.Errorf("SendStream(%d) submitted %d heaps", heaps, len(r.submitted))
		}
		if r.outstanding != 0 {
			t.Errorf("SendStream(%d) left %d submissions outstanding", heaps, r.outstanding)
		}
		if heaps >= 2 && r.maxOut != 2 {
			t.Errorf("SendStream(%d) max outstanding %d, want 2", heaps, r.maxOut)
		}
		for i, idx := range r.waited {
			if idx != i {
				t.Fatalf("SendStream(%d) waited out of order: %v", heaps, r.waited)
			}
		}
		for i, h := range r.submitted {
			last := int64(i) == heaps-1
			if h.End != last {
				t.Errorf("SendStream(%d) heap %d End = %v", heaps, i, h.End)
			}
			if !last && h.Version != uint64(i+1) {
				t.Errorf("SendStream(%d) heap %d version %d, want %d", heaps, i, h.Version, i+1)
			}
		}
	}
}

func TestSendStream_Error(t *testing.T) {
	r := &recorder{t: t, window: 2, failAt: 3}
	err := SendStream(context.Background(), r, spead.NewItemGroup(4), 10, 2)
	if err == nil {
		t.Fatal("SendStream() succeeded with a failed submission")
	}
	// Heap 3 is waited for before heap 5 is submitted.
	if len(r.submitted) != 5 {
		t.Errorf("submitted %d heaps after failure, want 5", len(r.submitted))
	}
}
