// Package clock provides the time sources that stamp task records.
package clock

import (
	"sync"
	"time"

	"github.com/bardlex/workledger/internal/ledger"
)

// System reads unix seconds from the host clock
var System ledger.Clock = ledger.ClockFunc(func() int64 { return time.Now().Unix() })

// Monotonic never reports a time earlier than one it already reported
type Monotonic struct {
	inner ledger.Clock
	mu    sync.Mutex
	last  int64
}

// NewMonotonic wraps inner
func NewMonotonic(inner ledger.Clock) *Monotonic {
	return &Monotonic{inner: inner}
}

// Now implements ledger.Clock
func (m *Monotonic) Now() int64 {
	now := m.inner.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if now < m.last {
		return m.last
	}
	m.last = now
	return now
}
