// Package persistence writes the archival record of a calibration run.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NAOC-pulsar/spead2/pkg/bench/control"
)

// CalibrationResult is the struct that is serialized as JSON to disk as the
// archival record of a calibration run.
type CalibrationResult struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string

	UUID       string
	SlaveHost  string
	SlavePort  int
	StartTime  time.Time
	EndTime    time.Time
	Repeats    int
	Trial      control.TrialConfig
	Candidates []Candidate

	// Final interval and its midpoint, in bytes per second.
	Low  float64
	High float64
	Rate float64
	// BitRate is Rate in bits per second.
	BitRate float64
	// Error is set if the run was aborted.
	Error string `json:",omitempty"`
}

// Candidate is one evaluated rate.
type Candidate struct {
	Rate      float64
	HeapCount int64
	Good      bool
}

// File is an archival record file.
type File struct {
	*os.File
}

// New creates <dataDir>/<kind>-<id>.json, creating dataDir if needed.
func New(dataDir, kind, id string) (*File, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	name := filepath.Join(dataDir, fmt.Sprintf("%s-%s.json", kind, id))
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &File{File: fp}, nil
}

// Write serializes result as indented JSON.
func (f *File) Write(result interface{}) error {
	enc := json.NewEncoder(f.File)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
