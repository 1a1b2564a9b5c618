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

// Package apply executes label assignments against the batch mutation
// API.  Every item comes back with an explicit outcome; nothing is
// left ambiguous, which is what lets the sync cursor advance safely.
package apply

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/message"
	"github.com/tmcfarlane/mailsort/internal/retry"
)

// Status is the terminal outcome for one assignment.
type Status int

const (
	// Applied: the mutation went through.
	Applied Status = iota

	// AlreadyApplied: every requested label was already on the
	// message; re-application is success, not an error.
	AlreadyApplied

	// PermanentlyRejected: the remote refused this item for good
	// (message deleted, label gone).  Terminal; does not block
	// other items.
	PermanentlyRejected

	// RetryExhausted: transient failures outlasted the backoff
	// budget.  The item will be seen again on the next cycle
	// because the cursor does not advance past it.
	RetryExhausted
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already-applied"
	case PermanentlyRejected:
		return "permanently-rejected"
	case RetryExhausted:
		return "retry-exhausted"
	}
	return "unknown"
}

// Item is one resolved assignment: the message plus the label IDs to
// add.
type Item struct {
	Meta        message.Metadata
	AddLabelIDs []string
}

// Outcome reports what happened to one item.
type Outcome struct {
	ID     message.ID
	Status Status
	Err    error
}

// Settled reports whether every outcome is terminal-successful or
// terminal-rejected, i.e. whether the cursor may advance past this
// batch.  RetryExhausted items hold it back.
func Settled(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Status == RetryExhausted {
			return false
		}
	}
	return true
}

// Modifier is the mutation surface the executor drives.
type Modifier interface {
	BatchModify(ctx context.Context, ids []string, addLabelIDs []string) error
	Modify(ctx context.Context, id string, addLabelIDs []string) error
}

// Executor chunks, dispatches, and retries label mutations.
type Executor struct {
	Modifier Modifier
	Policy   retry.Policy
	Log      *slog.Logger

	// MaxChunk bounds one batch request.  Values below 1 behave
	// as 1.
	MaxChunk int

	// Concurrency bounds in-flight chunks.  Values below 1 run
	// chunks sequentially.
	Concurrency int
}

// Apply executes the assignments and reports a terminal outcome per
// item.  The only error return is context cancellation, in which case
// outcomes must be discarded and the cursor left alone.
func (e *Executor) Apply(ctx context.Context, items []Item) ([]Outcome, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	results := make(map[string]Outcome, len(items))
	var mu sync.Mutex
	record := func(id message.ID, status Status, err error) {
		mu.Lock()
		results[id.PermID] = Outcome{ID: id, Status: status, Err: err}
		mu.Unlock()
	}

	// Messages already carrying everything we would add are settled
	// without an API call.
	groups := map[string][]Item{}
	for _, item := range items {
		missing := missingLabels(&item.Meta, item.AddLabelIDs)
		if len(missing) == 0 {
			record(item.Meta.ID, AlreadyApplied, nil)
			continue
		}
		key := strings.Join(missing, "\x00")
		groups[key] = append(groups[key], Item{Meta: item.Meta, AddLabelIDs: missing})
	}

	grp, gctx := errgroup.WithContext(ctx)
	if e.Concurrency > 1 {
		grp.SetLimit(e.Concurrency)
	} else {
		grp.SetLimit(1)
	}

	for _, group := range groups {
		labelIDs := group[0].AddLabelIDs
		for _, chunk := range chunks(group, e.MaxChunk) {
			chunk := chunk
			grp.Go(func() error {
				e.applyChunk(gctx, log, chunk, labelIDs, record)
				return gctx.Err()
			})
		}
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	out := make([]Outcome, 0, len(items))
	for _, item := range items {
		out = append(out, results[item.Meta.PermID])
	}
	return out, nil
}

// applyChunk settles every item of one chunk.  Transient failures
// retry the whole chunk; a permanent chunk failure falls back to
// per-item mutations so one dead message cannot poison the rest.
func (e *Executor) applyChunk(ctx context.Context, log *slog.Logger, chunk []Item, labelIDs []string, record func(message.ID, Status, error)) {
	ids := make([]string, len(chunk))
	for i, item := range chunk {
		ids[i] = item.Meta.PermID
	}

	err := e.Policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
		return e.Modifier.BatchModify(ctx, ids, labelIDs)
	})
	if err == nil {
		for _, item := range chunk {
			record(item.Meta.ID, Applied, nil)
		}
		return
	}
	if retry.IsExhausted(err) {
		log.Debug("chunk retries exhausted", "messages", len(ids), "error", err)
		for _, item := range chunk {
			record(item.Meta.ID, RetryExhausted, err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	// The chunk was rejected outright.  Isolate the poisoned items.
	log.Debug("chunk rejected, isolating items", "messages", len(ids), "error", err)
	for _, item := range chunk {
		itemErr := e.Policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
			return e.Modifier.Modify(ctx, item.Meta.PermID, labelIDs)
		})
		switch {
		case itemErr == nil:
			record(item.Meta.ID, Applied, nil)
		case retry.IsExhausted(itemErr):
			record(item.Meta.ID, RetryExhausted, itemErr)
		case ctx.Err() != nil:
			return
		default:
			log.Warn("assignment permanently rejected",
				"message", item.Meta.PermID, "error", itemErr)
			record(item.Meta.ID, PermanentlyRejected, itemErr)
		}
	}
}

// missingLabels returns the requested labels not already on the
// message, sorted so identical sets group together.
func missingLabels(meta *message.Metadata, addLabelIDs []string) []string {
	var missing []string
	for _, id := range addLabelIDs {
		if !meta.HasLabel(id) {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

func chunks(items []Item, size int) [][]Item {
	if size < 1 {
		size = 1
	}
	var out [][]Item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
