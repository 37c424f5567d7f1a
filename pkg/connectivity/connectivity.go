// Package connectivity carries the host's view of network reachability and
// link quality into the orchestrator. Nothing here pings the network.
package connectivity

import (
	"fmt"
	"strings"
	"sync"
)

// Quality is a coarse link classification.
type Quality int

const (
	Unknown Quality = iota
	Fast
	Medium
	Slow
)

func (q Quality) String() string {
	switch q {
	case Fast:
		return "fast"
	case Medium:
		return "medium"
	case Slow:
		return "slow"
	default:
		return "unknown"
	}
}

// ParseQuality accepts fast, medium, slow or unknown (case-insensitive).
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "4g":
		return Fast, nil
	case "medium", "3g":
		return Medium, nil
	case "slow", "2g", "slow-2g":
		return Slow, nil
	case "", "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown connection quality %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Status is a point-in-time connectivity reading.
type Status struct {
	Online  bool    `json:"online"`
	Quality Quality `json:"quality"`
}

// Source supplies connectivity readings and change notifications.
type Source interface {
	Status() Status
	// Subscribe registers fn for every change and returns a function that
	// removes it.
	Subscribe(fn func(Status)) (cancel func())
}

// Monitor is a Source whose state is set by the host.
type Monitor struct {
	mu     sync.Mutex
	status Status
	subs   map[int]func(Status)
	nextID int
}

// NewMonitor returns a Monitor in the given state.
func NewMonitor(online bool, quality Quality) *Monitor {
	return &Monitor{
		status: Status{Online: online, Quality: quality},
		subs:   make(map[int]func(Status)),
	}
}

// Status returns the current reading.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe implements Source.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set replaces the state and notifies subscribers if it changed.
func (m *Monitor) Set(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	subs := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// SetOnline changes reachability, keeping the quality.
func (m *Monitor) SetOnline(online bool) {
	s := m.Status()
	s.Online = online
	m.Set(s)
}

// SetQuality changes the quality, keeping reachability.
func (m *Monitor) SetQuality(q Quality) {
	s := m.Status()
	s.Quality = q
	m.Set(s)
}

var _ Source = (*Monitor)(nil)
