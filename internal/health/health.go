// Package health keeps a per-session view of whether the transport and the
// audio stages are working. Sessions report into a Monitor as stages come
// up, fail or are swapped, and the CLI prints a Report when a conversation
// ends.
package health

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
)

var log = logging.L("health")

// Status is ordered: a larger value is worse.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return "healthy"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Component names reported by a session.
const (
	ComponentTransport = "transport"
	ComponentInput     = "input"
	ComponentOutput    = "output"
	ComponentWakeLock  = "wake_lock"
)

// Check is the state of one component. Since is when it entered Status;
// repeated reports of the same status only bump Seen.
type Check struct {
	Name   string    `json:"name"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
	Seen   time.Time `json:"seen"`
	Flaps  int       `json:"flaps,omitempty"`
}

type Monitor struct {
	mu     sync.Mutex
	checks map[string]*Check
	clock  func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{checks: map[string]*Check{}, clock: time.Now}
}

// Update reports status for a component. A change of status is logged, at
// warn level when the component got worse.
func (m *Monitor) Update(name string, status Status, detail string) {
	at := m.clock()

	m.mu.Lock()
	c, known := m.checks[name]
	if !known {
		c = &Check{Name: name, Status: status, Since: at}
		m.checks[name] = c
	}
	from := c.Status
	if known && from != status {
		c.Status, c.Since = status, at
		c.Flaps++
	}
	c.Detail, c.Seen = detail, at
	m.mu.Unlock()

	switch {
	case known && status > from:
		log.Warn("component worse", "name", name, "from", from.String(), "to", status.String(), "detail", detail)
	case known && status < from:
		log.Info("component recovered", "name", name, "to", status.String())
	case !known && status != Healthy:
		log.Warn("component reported", "name", name, "status", status.String(), "detail", detail)
	}
}

// Remove drops a component that was torn down on purpose, so it no longer
// counts toward the overall status.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.checks, name)
	m.mu.Unlock()
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.checks[name]; ok {
		return *c, true
	}
	return Check{}, false
}

// Overall is the worst reported status; a monitor with nothing reported is
// Healthy.
func (m *Monitor) Overall() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	worst := Healthy
	for _, c := range m.checks {
		worst = max(worst, c.Status)
	}
	return worst
}

// Checks returns copies of every check, by name.
func (m *Monitor) Checks() []Check {
	m.mu.Lock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, *c)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Check) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Report is a point-in-time view of a Monitor.
type Report struct {
	Overall Status  `json:"overall"`
	Checks  []Check `json:"checks"`
}

// String renders the report compactly for log lines, e.g.
// "degraded input=degraded transport=healthy".
func (r Report) String() string {
	var b strings.Builder
	b.WriteString(r.Overall.String())
	for _, c := range r.Checks {
		b.WriteByte(' ')
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Status.String())
	}
	return b.String()
}

func (r Report) JSON() ([]byte, error) { return json.Marshal(r) }

func (m *Monitor) Summary() Report {
	checks := m.Checks()
	overall := Healthy
	for _, c := range checks {
		overall = max(overall, c.Status)
	}
	return Report{Overall: overall, Checks: checks}
}
