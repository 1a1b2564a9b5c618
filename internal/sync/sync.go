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

// Package sync drives the labeling pipeline: it consumes change
// notifications one at a time, resolves them into message deltas,
// labels the messages, and advances the sync cursor only once a
// delta's batch is fully accounted for.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tmcfarlane/mailsort/internal/apply"
	"github.com/tmcfarlane/mailsort/internal/config"
	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/history"
	"github.com/tmcfarlane/mailsort/internal/message"
	"github.com/tmcfarlane/mailsort/internal/retry"
	"github.com/tmcfarlane/mailsort/internal/rules"
)

// Clock hook for tests.
var timeNow = time.Now

// Loop is the single consumer of notifications for one mailbox.
type Loop struct {
	Source  NotificationSource
	History HistoryResolver
	Storage MessageStorage
	Cursor  CursorStore
	Labels  LabelResolver
	Applier Applier
	Rules   config.Config
	Policy  retry.Policy
	Log     *slog.Logger

	// Leases carries watch lease state from the lifecycle manager.
	// An expired lease means the push channel is gone and the loop
	// must catch up by full scan instead of waiting forever.
	Leases <-chan message.Lease

	// MaxMessages caps how many messages a full scan touches.
	// Zero means unbounded.
	MaxMessages int

	mailbox string
}

func (l *Loop) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// Run consumes notifications until the context ends.  In-flight work
// finishes before return: the loop's final act per cycle is the
// cursor write, so a cycle either completes or leaves the cursor
// untouched.
func (l *Loop) Run(ctx context.Context) error {
	profile, err := l.Storage.GetProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "resolving mailbox identity")
	}
	l.mailbox = profile.EmailAddress

	grp, ctx := errgroup.WithContext(ctx)
	notifications := make(chan message.Notification)
	grp.Go(func() error {
		defer close(notifications)
		for {
			n, err := l.Source.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "notification source failed")
			}
			select {
			case <-ctx.Done():
				return nil
			case notifications <- n:
			}
		}
	})
	grp.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case lease := <-l.leaseCh():
				if lease.Expired(timeNow()) {
					l.log().Info("watch lease lapsed; running full catch-up")
					if err := l.CatchUp(ctx); err != nil {
						return err
					}
				}
			case n, ok := <-notifications:
				if !ok {
					return nil
				}
				if err := l.handle(ctx, n); err != nil {
					return err
				}
			}
		}
	})
	err = grp.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// leaseCh returns a never-ready channel when no lease feed is wired,
// e.g. in one-shot runs.
func (l *Loop) leaseCh() <-chan message.Lease {
	if l.Leases != nil {
		return l.Leases
	}
	return nil
}

// handle processes one notification.  Failures that only affect this
// cycle are logged, not returned: the messages remain ahead of the
// cursor and the next notification retries them.
func (l *Loop) handle(ctx context.Context, n message.Notification) error {
	if l.mailbox != "" && n.EmailAddress != l.mailbox {
		l.log().Warn("ignoring notification for foreign mailbox", "mailbox", n.EmailAddress)
		return nil
	}

	cursor, err := l.Cursor.Cursor(ctx)
	if err != nil {
		return err
	}
	if n.HistoryID <= cursor {
		// Expected under at-least-once delivery.
		l.log().Debug("duplicate notification discarded",
			"historyId", n.HistoryID, "cursor", cursor)
		return nil
	}

	delta, err := l.History.Resolve(ctx, cursor, n.HistoryID)
	if err != nil {
		if errors.Is(err, history.ErrCursorInvalid) {
			l.log().Info("sync cursor beyond retention; running full catch-up")
			return l.CatchUp(ctx)
		}
		if ctx.Err() != nil {
			return err
		}
		l.log().Warn("history resolution failed; will retry on next notification", "error", err)
		return nil
	}

	settled, err := l.label(ctx, delta.IDs)
	if err != nil {
		return err
	}
	if !settled {
		l.log().Warn("batch not fully settled; cursor held back",
			"cursor", cursor, "target", delta.NewCursor)
		return nil
	}
	if err := l.Cursor.WriteCursor(ctx, delta.NewCursor); err != nil {
		return err
	}
	l.log().Info("sync cycle complete",
		"messages", len(delta.IDs), "cursor", delta.NewCursor)
	return nil
}

// RunOnce performs a single bounded sort pass over existing mail and
// returns.  maxMessages overrides the loop's cap when positive.
func (l *Loop) RunOnce(ctx context.Context, maxMessages int) error {
	if maxMessages > 0 {
		l.MaxMessages = maxMessages
	}
	return l.CatchUp(ctx)
}

// CatchUp labels the most recent messages wholesale and re-seeds the
// cursor from the mailbox's current state.  Used at first run, after
// cursor invalidation, and after a watch lapse.  The cursor stays on
// its stale value unless the scan fully settles.
func (l *Loop) CatchUp(ctx context.Context) error {
	profile, err := l.Storage.GetProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "reading mailbox state for catch-up")
	}

	var ids []message.ID
	err = l.Storage.ListRecent(ctx, l.MaxMessages, func(id message.ID) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing messages for catch-up")
	}

	settled, err := l.label(ctx, ids)
	if err != nil {
		return err
	}
	if !settled {
		l.log().Warn("catch-up not fully settled; cursor unchanged")
		return nil
	}
	if err := l.Cursor.ResetCursor(ctx, profile.HistoryID); err != nil {
		return err
	}
	l.log().Info("catch-up complete", "messages", len(ids), "cursor", profile.HistoryID)
	return nil
}

// label runs the rule pipeline over a set of messages and applies the
// results.  Returns whether every assignment reached a terminal
// outcome, i.e. whether the cursor may advance.
func (l *Loop) label(ctx context.Context, ids []message.ID) (bool, error) {
	var items []apply.Item
	settled := true
	paths := map[string][]string{} // message ID -> label paths, for invalidation retry
	for _, id := range ids {
		meta, err := l.fetchMetadata(ctx, id.PermID)
		if err != nil {
			if gmail.IsNotFound(err) {
				// History can name messages that are
				// already gone.
				continue
			}
			if ctx.Err() != nil {
				return false, err
			}
			if retry.IsExhausted(err) {
				// The message is still there, just
				// unreadable right now.  Keep it ahead of
				// the cursor so a later cycle picks it up.
				l.log().Warn("metadata fetch exhausted retries; cursor held back",
					"message", id.PermID, "error", err)
				settled = false
				continue
			}
			l.log().Warn("skipping unfetchable message", "message", id.PermID, "error", err)
			continue
		}
		if rules.Ignored(meta, l.Rules) {
			continue
		}
		labelPaths := rules.Evaluate(meta, l.Rules)
		if len(labelPaths) == 0 {
			continue
		}
		labelIDs, err := l.resolveAll(ctx, labelPaths)
		if err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			// Resolution failure stalls the cycle, never the
			// process; the messages stay ahead of the cursor.
			l.log().Warn("label resolution failed; cursor held back", "error", err)
			return false, nil
		}
		paths[meta.PermID] = labelPaths
		items = append(items, apply.Item{Meta: *meta, AddLabelIDs: labelIDs})
	}
	if len(items) == 0 {
		return settled, nil
	}

	outcomes, err := l.Applier.Apply(ctx, items)
	if err != nil {
		return false, err
	}
	outcomes, err = l.retryStaleLabels(ctx, items, outcomes, paths)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		l.log().Warn("label re-resolution failed; cursor held back", "error", err)
		return false, nil
	}

	for _, o := range outcomes {
		if o.Status == apply.PermanentlyRejected {
			l.log().Warn("message permanently rejected",
				"message", o.ID.PermID, "error", o.Err)
		}
	}
	return settled && apply.Settled(outcomes), nil
}

// fetchMetadata reads one message's metadata under the retry policy,
// so a transient fetch failure surfaces as exhaustion instead of being
// mistaken for a dead message.
func (l *Loop) fetchMetadata(ctx context.Context, id string) (*message.Metadata, error) {
	var meta *message.Metadata
	err := l.Policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
		m, err := l.Storage.GetMetadata(ctx, id)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (l *Loop) resolveAll(ctx context.Context, labelPaths []string) ([]string, error) {
	ids := make([]string, 0, len(labelPaths))
	for _, path := range labelPaths {
		id, err := l.Labels.Resolve(ctx, path)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving label %q", path)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// retryStaleLabels gives items rejected with a not-found one more
// chance: if the message itself is still fetchable, the rejection
// points at a label ID that no longer exists, so the cached entries
// are invalidated, re-resolved, and the item re-applied once.
func (l *Loop) retryStaleLabels(ctx context.Context, items []apply.Item, outcomes []apply.Outcome, paths map[string][]string) ([]apply.Outcome, error) {
	var retryItems []apply.Item
	retryIdx := map[string]int{}
	for i, o := range outcomes {
		if o.Status != apply.PermanentlyRejected || !gmail.IsNotFound(o.Err) {
			continue
		}
		if _, err := l.fetchMetadata(ctx, o.ID.PermID); err != nil {
			continue // the message really is gone
		}
		labelPaths := paths[o.ID.PermID]
		for _, path := range labelPaths {
			l.Labels.Invalidate(path)
		}
		labelIDs, err := l.resolveAll(ctx, labelPaths)
		if err != nil {
			return nil, err
		}
		retryIdx[o.ID.PermID] = i
		retryItems = append(retryItems, apply.Item{Meta: items[i].Meta, AddLabelIDs: labelIDs})
	}
	if len(retryItems) == 0 {
		return outcomes, nil
	}

	l.log().Debug("re-applying after label re-resolution", "messages", len(retryItems))
	retried, err := l.Applier.Apply(ctx, retryItems)
	if err != nil {
		return nil, err
	}
	for _, o := range retried {
		outcomes[retryIdx[o.ID.PermID]] = o
	}
	return outcomes, nil
}
