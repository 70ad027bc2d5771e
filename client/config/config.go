package config

import (
	"time"

	"github.com/NAOC-pulsar/spead2/pkg/bench/control"
	"github.com/NAOC-pulsar/spead2/pkg/bench/search"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
)

const (
	DefaultSettleDelay = spec.SettleDelay
	DefaultCloseDelay  = spec.CloseDelay
	DefaultRepeats     = spec.Repeats
)

// Config configures a calibration run on the master.
type Config struct {
	// The slave's control endpoint.
	Host string
	Port int

	// Quiet prints only the final rate.
	Quiet bool

	// Trial is sent to the slave with every Start.
	Trial control.TrialConfig

	// Search bounds, in bytes per second.
	Search search.Config

	// Repeats is the number of trials per candidate rate.
	Repeats int

	// The delay between the last heap and Stop.
	SettleDelay time.Duration

	// The delay between the result and closing the trial.
	CloseDelay time.Duration

	// DataDir, if set, receives the archival record of the run.
	DataDir string
}

func New(host string, port int, trial control.TrialConfig) *Config {
	return &Config{
		Host:        host,
		Port:        port,
		Trial:       trial,
		Search:      search.NewDefault(int64(trial.HeapSize)),
		Repeats:     DefaultRepeats,
		SettleDelay: DefaultSettleDelay,
		CloseDelay:  DefaultCloseDelay,
	}
}

func NewDefault(host string, port int) *Config {
	return New(host, port, control.DefaultTrialConfig())
}
