package idsource

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/sonyflake"
)

// Source hands out cluster-unique row ids. Implementations must be safe
// for concurrent use; ids need not be dense or strictly sequential, only
// unique across every node writing to the same backend.
type Source interface {
	NextID() (uint64, error)
}

// Flake is the stock Source: sonyflake ids keyed by a per-node machine
// id, unique across the fleet without coordination.
type Flake struct {
	sf *sonyflake.Sonyflake
}

// NewFlake builds a Flake. machineID must differ between nodes sharing a
// backend; zero derives it from the node's private IP.
func NewFlake(machineID uint16) (*Flake, error) {
	settings := sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if machineID != 0 {
		settings.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize id source: %w", err)
	}
	return &Flake{sf: sf}, nil
}

func (f *Flake) NextID() (uint64, error) {
	return f.sf.NextID()
}

// Counter is a deterministic Source for tests.
type Counter struct {
	n uint64
}

func (c *Counter) NextID() (uint64, error) {
	return atomic.AddUint64(&c.n, 1), nil
}
