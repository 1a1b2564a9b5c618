package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in the mailbox.
	PermID string

	// The permanent and unique ID of the thread associated with
	// the message.  May be empty.
	ThreadID string
}

// Metadata holds the attributes of a message needed for rule
// evaluation.  Immutable once fetched.
type Metadata struct {
	ID

	// When the message was received, per its Date header.  Zero
	// if the header was absent or unparseable.
	ReceivedAt time.Time

	// Sender identity, extracted from the From header.
	SenderAddress string
	SenderDomain  string
	SenderName    string

	Subject string

	// A short plain-text excerpt of the body, used by keyword
	// rules.
	Snippet string

	// The label identifiers currently on the message.  These are
	// not the user visible label names.
	LabelIDs []string
}

// HasLabel reports whether the message currently carries the given
// label identifier.
func (m *Metadata) HasLabel(labelID string) bool {
	for _, id := range m.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

// Profile defines per-account information for the mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID uint64
}

// Notification is one inbound change signal: the mailbox identity and
// a history ID hint.  Notifications are delivered at least once and
// possibly out of order; the sync cursor comparison absorbs both.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

// Lease describes an active watch subscription on the mailbox.
type Lease struct {
	// The mailbox history ID at the time the watch was created.
	HistoryID uint64

	// When the subscription lapses unless renewed.
	ExpiresAt time.Time

	// The fully qualified Pub/Sub topic notifications are sent to.
	Topic string
}

// Expired reports whether the lease has lapsed as of now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Delta is the outcome of resolving history between the stored cursor
// and a notification's history ID: the distinct messages touched, and
// the cursor value to adopt once they have been processed.
type Delta struct {
	IDs       []ID
	NewCursor uint64
}
