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

// Package history resolves which messages changed between the stored
// sync cursor and a notification's history ID.
package history

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/message"
	"github.com/tmcfarlane/mailsort/internal/retry"
)

// ErrCursorInvalid reports that the stored cursor is beyond the
// remote retention window and incremental history cannot be resolved.
// Expected after long downtime; the caller falls back to a full
// catch-up scan.
var ErrCursorInvalid = errors.New("sync cursor too old to resolve")

// Lister walks mailbox history from a cursor, reporting each touched
// message, and returns the history ID the walk ended at.
type Lister interface {
	ListFrom(ctx context.Context, historyID uint64, handler func(message.ID) error) (uint64, error)
}

// Engine turns a (cursor, target) pair into the set of messages that
// need (re-)labeling.  Resolution is read-only and therefore safe to
// retry: the same pair yields the same set, modulo further remote
// changes.
type Engine struct {
	Lister Lister
	Policy retry.Policy
	Log    *slog.Logger
}

// Resolve pages history forward from cursor and returns the distinct
// messages touched plus the cursor value to adopt once they have been
// processed.  The new cursor never lags target even when the history
// walk ends early.
func (e *Engine) Resolve(ctx context.Context, cursor, target uint64) (message.Delta, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	var delta message.Delta
	err := e.Policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
		seen := map[string]bool{}
		var ids []message.ID
		endID, err := e.Lister.ListFrom(ctx, cursor, func(id message.ID) error {
			if !seen[id.PermID] {
				seen[id.PermID] = true
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			if gmail.IsNotFound(err) {
				// The API 404s a startHistoryId older
				// than its retention window.
				return errors.Wrapf(ErrCursorInvalid, "cursor %d", cursor)
			}
			return err
		}
		delta.IDs = ids
		delta.NewCursor = endID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCursorInvalid) {
			return message.Delta{}, err
		}
		return message.Delta{}, errors.Wrapf(err, "resolving history from %d toward %d", cursor, target)
	}

	if delta.NewCursor < target {
		delta.NewCursor = target
	}
	log.Debug("history resolved",
		"cursor", cursor, "target", target,
		"messages", len(delta.IDs), "newCursor", delta.NewCursor)
	return delta, nil
}
