package session

import (
	"time"

	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/state"
)

// RecoveryState names the phase of the external role's retry cycle.
type RecoveryState string

const (
	// RecoveryIdle means no automatic retry is pending.
	RecoveryIdle RecoveryState = "idle"
	// RecoverySettling waits out the settle delay before the next attempt.
	RecoverySettling RecoveryState = "settling"
	// RecoveryCooling waits for the global cooldown before switching to
	// another device.
	RecoveryCooling RecoveryState = "cooling"
	// RecoveryExhausted means no device qualifies; the ledger resets after
	// the quiescence window.
	RecoveryExhausted RecoveryState = "exhausted"
)

// Ledger is a snapshot of the retry bookkeeping.
type Ledger struct {
	Attempts  map[string]int `json:"attempts"`
	LastRetry time.Time      `json:"last_retry,omitempty"`
	State     RecoveryState  `json:"state"`
	Next      string         `json:"next_device_id,omitempty"`
}

type recovery struct {
	ledger     map[string]int
	lastRetry  time.Time
	state      RecoveryState
	next       string
	retryTimer clock.Timer
	resetTimer clock.Timer
}

func newRecovery() recovery {
	return recovery{ledger: make(map[string]int), state: RecoveryIdle}
}

func (r *recovery) stopTimers() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	if r.resetTimer != nil {
		r.resetTimer.Stop()
		r.resetTimer = nil
	}
}

func (r *recovery) reset() {
	r.stopTimers()
	r.ledger = make(map[string]int)
	r.lastRetry = time.Time{}
	r.state = RecoveryIdle
	r.next = ""
}

func (r *recovery) snapshot() Ledger {
	attempts := make(map[string]int, len(r.ledger))
	for k, v := range r.ledger {
		attempts[k] = v
	}
	return Ledger{Attempts: attempts, LastRetry: r.lastRetry, State: r.state, Next: r.next}
}

// scheduleRecovery records a device_unreadable failure of the external
// role on failed and decides the next step:
//
//   - the failed device is retried after the settle delay while its count
//     is below MaxRetries and some alternative camera exists;
//   - once it is exhausted, the first alternative still below MaxRetries
//     is tried, no sooner than RetryCooldown after the previous switch;
//   - otherwise the cycle ends in error and the ledger is wiped after
//     RetryResetPeriod.
//
// A failed device is retried in place until it reaches MaxRetries; only
// then does recovery move on to the next untried alternative.
//
// Alternatives exclude the failed device and the internal role's device.
func (m *Manager) scheduleRecovery(failed string) {
	m.mu.Lock()
	internalDev := ""
	if ir := m.roles[state.RoleInternal]; ir.status == state.CameraActive || ir.status == state.CameraStarting {
		internalDev = ir.deviceID
	}
	m.mu.Unlock()

	var alts []string
	if m.registry != nil {
		for _, c := range m.registry.Alternatives(failed, internalDev) {
			alts = append(alts, c.ID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.roles[state.RoleExternal]
	if m.closed || rs.status != state.CameraError || rs.deviceID != failed {
		return
	}

	r := &m.recovery
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.ledger[failed]++
	count := r.ledger[failed]

	if len(alts) == 0 {
		m.exhaustLocked("no alternative camera")
		return
	}
	if count < m.opts.MaxRetries {
		r.state = RecoverySettling
		r.next = failed
		r.retryTimer = m.clock.AfterFunc(m.opts.SettleDelay, func() { m.autoRetry(failed, false) })
		m.log.Info("retrying external camera", "device_id", failed, "attempt", count, "in", m.opts.SettleDelay)
		return
	}

	candidate := ""
	for _, id := range alts {
		if r.ledger[id] < m.opts.MaxRetries {
			candidate = id
			break
		}
	}
	if candidate == "" {
		m.exhaustLocked("every camera exhausted its retries")
		return
	}

	delay := m.opts.SettleDelay
	r.state = RecoverySettling
	if !r.lastRetry.IsZero() {
		if remaining := m.opts.RetryCooldown - m.clock.Now().Sub(r.lastRetry); remaining > delay {
			delay = remaining
			r.state = RecoveryCooling
		}
	}
	r.next = candidate
	r.retryTimer = m.clock.AfterFunc(delay, func() { m.autoRetry(candidate, true) })
	m.log.Info("switching external camera", "from", failed, "to", candidate, "in", delay, "state", r.state)
}

func (m *Manager) exhaustLocked(reason string) {
	r := &m.recovery
	r.state = RecoveryExhausted
	r.next = ""
	if r.resetTimer != nil {
		r.resetTimer.Stop()
	}
	r.resetTimer = m.clock.AfterFunc(m.opts.RetryResetPeriod, m.resetAfterQuiescence)
	m.log.Warn("external camera recovery exhausted", "reason", reason,
		"reset_in", m.opts.RetryResetPeriod, "ledger", r.ledger)
}

func (m *Manager) resetAfterQuiescence() {
	m.mu.Lock()
	if m.recovery.state != RecoveryExhausted {
		m.mu.Unlock()
		return
	}
	m.recovery.resetTimer = nil
	m.recovery.reset()
	m.mu.Unlock()
	m.log.Info("retry ledger cleared after quiescence")
}

func (m *Manager) autoRetry(deviceID string, alternative bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("automatic retry panicked", "panic", r)
		}
	}()

	m.mu.Lock()
	r := &m.recovery
	ok := !m.closed &&
		m.roles[state.RoleExternal].status == state.CameraError &&
		(r.state == RecoverySettling || r.state == RecoveryCooling) &&
		r.next == deviceID
	if ok {
		r.retryTimer = nil
		r.state = RecoveryIdle
		r.next = ""
		if alternative {
			r.lastRetry = m.clock.Now()
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if _, err := m.Acquire(m.ctx, state.RoleExternal, deviceID); err != nil {
		m.log.Debug("automatic retry failed", "device_id", deviceID, "kind", media.KindOf(err))
	}
}
