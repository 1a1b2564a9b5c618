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

package sync

// This file declares the narrow interfaces the intake loop consumes.

import (
	"context"

	"github.com/tmcfarlane/mailsort/internal/apply"
	"github.com/tmcfarlane/mailsort/internal/message"
)

// NotificationSource yields inbound change notifications, blocking
// until one arrives.  Push and pull delivery both fit behind it.
type NotificationSource interface {
	Next(ctx context.Context) (message.Notification, error)
}

// HistoryResolver resolves which messages changed between the stored
// cursor and a notification's history ID.
type HistoryResolver interface {
	Resolve(ctx context.Context, cursor, target uint64) (message.Delta, error)
}

// MetadataGetter gets per-message metadata from the mailbox.
type MetadataGetter interface {
	GetMetadata(ctx context.Context, id string) (*message.Metadata, error)
}

// MessageLister lists recent inbox message identifiers, newest first,
// bounded by max when positive.
type MessageLister interface {
	ListRecent(ctx context.Context, max int, handler func(message.ID) error) error
}

// Profiler gets per-account metadata from the mailbox.
type Profiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// MessageStorage provides all mailbox read access the loop needs.
type MessageStorage interface {
	MetadataGetter
	MessageLister
	Profiler
}

// CursorStore persists the sync cursor.  The intake loop is the only
// writer.
type CursorStore interface {
	Cursor(ctx context.Context) (uint64, error)
	WriteCursor(ctx context.Context, historyID uint64) error
	ResetCursor(ctx context.Context, historyID uint64) error
}

// LabelResolver maps label paths to remote IDs, creating them on
// first use.
type LabelResolver interface {
	Resolve(ctx context.Context, path string) (string, error)
	Invalidate(path string)
}

// Applier executes label assignments and reports a terminal outcome
// per item.
type Applier interface {
	Apply(ctx context.Context, items []apply.Item) ([]apply.Outcome, error)
}
