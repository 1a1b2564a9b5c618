// Copyright 2025 The mailsort Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch manages the time-bounded change subscription: it
// establishes the lease, renews it ahead of expiry, and publishes
// lease state so the intake loop knows whether notifications are
// still flowing.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tmcfarlane/mailsort/internal/message"
	"github.com/tmcfarlane/mailsort/internal/retry"
)

// State of the subscription.
type State int

const (
	Uninitialized State = iota
	Active
	Renewing
	Expired
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// API is the remote watch surface.
type API interface {
	Watch(ctx context.Context, topic string) (message.Lease, error)
}

// Store persists the current lease.  Written only after the remote
// call succeeded, so persisted state is never partial.
type Store interface {
	WriteLease(ctx context.Context, lease message.Lease) error
}

// Manager owns the watch subscription.  Nothing else creates,
// renews, or persists leases.
type Manager struct {
	API    API
	Store  Store
	Topic  string
	Policy retry.Policy
	Log    *slog.Logger

	// MinMargin is the floor on how far before expiry renewal
	// starts, absorbing clock skew and API latency.  The margin
	// is the larger of this and a tenth of the lease duration.
	MinMargin time.Duration

	// Clock hook for tests.
	Clock func() time.Time

	mu     sync.Mutex
	state  State
	lease  message.Lease
	leases chan message.Lease
}

const defaultMinMargin = 5 * time.Minute

// Leases returns the channel the manager publishes lease state on.
// Only the latest value matters; stale ones are dropped rather than
// blocking the manager.
func (m *Manager) Leases() <-chan message.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases == nil {
		m.leases = make(chan message.Lease, 1)
	}
	return m.leases
}

// State reports the current subscription state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Manager) log() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) publish(lease message.Lease) {
	m.mu.Lock()
	m.lease = lease
	if m.leases == nil {
		m.leases = make(chan message.Lease, 1)
	}
	ch := m.leases
	m.mu.Unlock()

	for {
		select {
		case ch <- lease:
			return
		default:
			// Drop the stale value the consumer never read.
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Establish requests a new subscription.  On success the lease is
// persisted and published and the manager is Active; on failure the
// state is unchanged and the error is reported upward.
func (m *Manager) Establish(ctx context.Context) error {
	lease, err := m.API.Watch(ctx, m.Topic)
	if err != nil {
		return errors.Wrap(err, "establishing watch")
	}
	if err := m.Store.WriteLease(ctx, lease); err != nil {
		return err
	}
	m.setState(Active)
	m.publish(lease)
	m.log().Info("watch established",
		"historyId", lease.HistoryID, "expiresAt", lease.ExpiresAt)
	return nil
}

// renewalTime computes when renewal of the given lease should start:
// at least MinMargin before expiry, or a tenth of the remaining lease
// if that is larger.
func (m *Manager) renewalTime(lease message.Lease) time.Time {
	margin := m.MinMargin
	if margin <= 0 {
		margin = defaultMinMargin
	}
	if tenth := lease.ExpiresAt.Sub(m.now()) / 10; tenth > margin {
		margin = tenth
	}
	return lease.ExpiresAt.Add(-margin)
}

// Run renews the subscription ahead of every expiry until the context
// is canceled.  The lease must have been established first.  A
// renewal that cannot complete before expiry marks the lease Expired
// and publishes it in that state, which is the intake loop's cue to
// fall back to a full catch-up; the manager then keeps retrying until
// a fresh lease is in place.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		lease := m.lease
		m.mu.Unlock()

		wait := m.renewalTime(lease).Sub(m.now())
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		m.setState(Renewing)
		m.log().Debug("renewing watch", "expiresAt", lease.ExpiresAt)

		renewCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt)
		err := m.Policy.Do(renewCtx, nil, func(ctx context.Context) error {
			return m.Establish(ctx)
		})
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// The lease lapsed.  Never stall silently: publish the
		// expired lease so the intake loop catches up by full
		// resync, and keep trying to get a new one.
		m.setState(Expired)
		m.log().Warn("watch lease expired before renewal completed", "error", err)
		m.publish(lease)

		for m.State() != Active {
			if err := m.Establish(ctx); err == nil {
				break
			} else if ctx.Err() != nil {
				return ctx.Err()
			} else {
				m.log().Debug("watch re-establishment failed", "error", err)
			}
			t := time.NewTimer(m.Policy.Delay(1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}
