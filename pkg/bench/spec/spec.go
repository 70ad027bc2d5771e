package spec

import "time"

const (
	// ConfigVersion is the version of the TrialConfig record. Both ends
	// reject a Start whose arguments carry a different version.
	ConfigVersion = 1

	// MaxLineSize is the largest control message accepted on the wire.
	MaxLineSize = 1 << 16

	// SettleDelay lets the receiver drain its queue before Stop is sent.
	SettleDelay = 100 * time.Millisecond
	// CloseDelay is waited before the control channel is closed.
	CloseDelay = 500 * time.Millisecond

	// Receive progress is logged at memoryless intervals around
	// AvgProgressInterval.
	MinProgressInterval = 500 * time.Millisecond
	AvgProgressInterval = time.Second
	MaxProgressInterval = 2 * time.Second

	// PipelineWindow is the maximum number of outstanding heap submissions.
	PipelineWindow = 2

	// Repeats is the number of trials per candidate rate.
	Repeats = 5

	// MinBytes is the minimum amount of data transferred in a trial, in
	// order to overwhelm cache effects.
	MinBytes = 1 << 30
)

// Search bounds, in bytes per second.
const (
	DefaultLowRate   = 0.5e9
	DefaultHighRate  = 5e9
	DefaultTolerance = 1e8 / 8
)

// Trial defaults.
const (
	DefaultPacket     = 9172
	DefaultHeapSize   = 4194304
	DefaultAddrBits   = 40
	DefaultSendBuffer = 512 * 1024
	DefaultRecvBuffer = 8 * 1024 * 1024
	DefaultBurst      = 65536
	DefaultHeaps      = 4
	DefaultMemMaxFree = 12
	DefaultMemInitial = 8
)

// TransportKind selects the data plane.
type TransportKind string

const (
	// TransportUDP is the lossy UDP data plane.
	TransportUDP = TransportKind("udp")

	// TransportWebSocket carries heaps as WebSocket binary messages.
	TransportWebSocket = TransportKind("ws")
)

// HeapPath is the WebSocket endpoint of the ws data plane.
const HeapPath = "/spead2/v1/heaps"

// SecWebSocketProtocol is the subprotocol negotiated by the ws data plane.
const SecWebSocketProtocol = "spead2.bench.v1"
