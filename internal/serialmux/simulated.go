package serialmux

import (
	"sync"
	"time"

	"github.com/banshee-data/dust.report/internal/sds011"
)

// SimulatedPort presents an in-memory sensor as a serial port so the
// monitor, its traffic tail and its debug routes run without hardware
// (--dev).
type SimulatedPort struct {
	*sds011.Simulator

	mu      sync.Mutex
	timeout time.Duration
}

// NewSimulatedSerialMux wraps sim in a SerialMux.
func NewSimulatedSerialMux(sim *sds011.Simulator) *SerialMux[*SimulatedPort] {
	return NewSerialMux(&SimulatedPort{Simulator: sim, timeout: sds011.DefaultReadTimeout})
}

func (p *SimulatedPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

func (p *SimulatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	d := p.timeout
	p.mu.Unlock()
	return p.Simulator.ReadTimeout(b, d)
}

func (p *SimulatedPort) Close() error { return nil }
