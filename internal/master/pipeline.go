package master

import (
	"context"

	"github.com/NAOC-pulsar/spead2/pkg/spead"
)

// Submitter is the part of spead.Sender used by SendStream.
type Submitter interface {
	Submit(ctx context.Context, h *spead.Heap) spead.Future
}

// SendStream sends heaps heaps from group, the last one being the
// end-of-stream heap. At most window submissions are outstanding: before
// submitting another, the oldest is waited for. All submissions have
// completed when SendStream returns nil.
func SendStream(ctx context.Context, s Submitter, group *spead.ItemGroup, heaps int64, window int) error {
	if window < 1 {
		window = 1
	}
	pending := make([]spead.Future, 0, window)
	for i := int64(0); i < heaps; i++ {
		if len(pending) >= window {
			if err := pending[0].Wait(ctx); err != nil {
				return err
			}
			pending = pending[1:]
		}
		var h *spead.Heap
		if i == heaps-1 {
			h = group.End()
		} else {
			h = group.Heap()
		}
		pending = append(pending, s.Submit(ctx, h))
	}
	for _, f := range pending {
		if err := f.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
