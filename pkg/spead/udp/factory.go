package udp

import (
	"context"

	"github.com/NAOC-pulsar/spead2/pkg/spead"
)

// Factory creates UDP senders and receivers.
type Factory struct{}

// NewSender implements spead.Factory.
func (Factory) NewSender(ctx context.Context, addr string, cfg spead.SenderConfig) (spead.Sender, error) {
	s, err := Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewReceiver implements spead.Factory.
func (Factory) NewReceiver(port int, cfg spead.ReceiverConfig) (spead.Receiver, error) {
	r, err := Listen(port, cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}
