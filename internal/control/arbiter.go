package control

import (
	"sync"

	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
)

// Arbiter grants the primary role to at most one client at a time.
// Only the primary may mutate the instrument; everyone else observes.
//
// The holder is identified by an opaque client ID. The role moves only
// through Demand, Release, ReleaseIf (disconnect cleanup) and
// ForceRelease (operator recovery after a crashed client that never
// disconnected cleanly).
type Arbiter struct {
	mu     sync.Mutex
	holder string
	logger *logging.Logger
}

// NewArbiter returns an Arbiter with the role unheld.
func NewArbiter(logger *logging.Logger) *Arbiter {
	return &Arbiter{logger: logger.With("component", "arbiter")}
}

// Demand grants the primary role to id. Demanding while already holding
// the role is a no-op. Returns ErrAlreadyPrimary if another client
// holds it.
func (a *Arbiter) Demand(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.holder {
	case "", id:
		a.holder = id
		a.logger.Info("primary role granted", "client_id", id)
		return nil
	default:
		return ErrAlreadyPrimary
	}
}

// Release gives up the primary role. Returns ErrNotPrimary if id does
// not hold it.
func (a *Arbiter) Release(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != id || id == "" {
		return ErrNotPrimary
	}
	a.holder = ""
	a.logger.Info("primary role released", "client_id", id)
	return nil
}

// ReleaseIf releases the role only if id holds it, reporting whether a
// release happened. Used on client disconnect, where not holding the
// role is the common case and not an error.
func (a *Arbiter) ReleaseIf(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != id || id == "" {
		return false
	}
	a.holder = ""
	a.logger.Info("primary role released on disconnect", "client_id", id)
	return true
}

// ForceRelease unconditionally frees the role and returns the previous
// holder, empty if it was already free.
func (a *Arbiter) ForceRelease() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.holder
	a.holder = ""
	if prev != "" {
		a.logger.Warn("primary role forcibly released", "previous_holder", prev)
	}
	return prev
}

// IsPrimary reports whether id currently holds the role.
func (a *Arbiter) IsPrimary(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return id != "" && a.holder == id
}

// Holder returns the current holder's client ID, empty if free.
func (a *Arbiter) Holder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}
