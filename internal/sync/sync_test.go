package sync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"

	"github.com/tmcfarlane/mailsort/internal/apply"
	"github.com/tmcfarlane/mailsort/internal/config"
	"github.com/tmcfarlane/mailsort/internal/history"
	"github.com/tmcfarlane/mailsort/internal/message"
	"github.com/tmcfarlane/mailsort/internal/retry"
)

type fakeStorage struct {
	profile message.Profile
	metas   map[string]*message.Metadata
	recent  []message.ID

	// metaErrs forces GetMetadata failures per message ID.
	metaErrs   map[string]error
	fetchCalls map[string]int
}

func (f *fakeStorage) GetProfile(context.Context) (*message.Profile, error) {
	p := f.profile
	return &p, nil
}

func (f *fakeStorage) GetMetadata(_ context.Context, id string) (*message.Metadata, error) {
	if f.fetchCalls == nil {
		f.fetchCalls = map[string]int{}
	}
	f.fetchCalls[id]++
	if err := f.metaErrs[id]; err != nil {
		return nil, err
	}
	meta, ok := f.metas[id]
	if !ok {
		return nil, errors.Wrap(&googleapi.Error{Code: 404}, "get message")
	}
	clone := *meta
	return &clone, nil
}

func (f *fakeStorage) ListRecent(_ context.Context, max int, handler func(message.ID) error) error {
	ids := f.recent
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	for _, id := range ids {
		if err := handler(id); err != nil {
			return err
		}
	}
	return nil
}

type fakeCursor struct {
	mu     sync.Mutex
	value  uint64
	resets []uint64
	writes []uint64
}

func (f *fakeCursor) Cursor(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, nil
}

func (f *fakeCursor) WriteCursor(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < f.value {
		return errors.Errorf("cursor moved backward: %d < %d", id, f.value)
	}
	f.value = id
	f.writes = append(f.writes, id)
	return nil
}

func (f *fakeCursor) ResetCursor(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = id
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeCursor) current() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

type fakeHistory struct {
	deltas map[uint64]message.Delta // keyed by target history ID
	err    error
	calls  int
}

func (f *fakeHistory) Resolve(_ context.Context, cursor, target uint64) (message.Delta, error) {
	f.calls++
	if f.err != nil {
		return message.Delta{}, f.err
	}
	return f.deltas[target], nil
}

type fakeLabels struct {
	mu          sync.Mutex
	invalidated []string
	resolveErr  error
}

func (f *fakeLabels) Resolve(_ context.Context, path string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "id:" + path, nil
}

func (f *fakeLabels) Invalidate(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, path)
}

type fakeApplier struct {
	mu      sync.Mutex
	applied [][]apply.Item
	// statuses maps message ID to a queue of outcomes; default is
	// Applied.
	statuses map[string][]apply.Outcome
}

func (f *fakeApplier) Apply(_ context.Context, items []apply.Item) ([]apply.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, items)
	out := make([]apply.Outcome, len(items))
	for i, item := range items {
		id := item.Meta.ID
		if queue := f.statuses[id.PermID]; len(queue) > 0 {
			out[i] = queue[0]
			f.statuses[id.PermID] = queue[1:]
			continue
		}
		out[i] = apply.Outcome{ID: id, Status: apply.Applied}
	}
	return out, nil
}

func (f *fakeApplier) totalItems() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.applied {
		n += len(batch)
	}
	return n
}

func inboxMeta(id string) *message.Metadata {
	return &message.Metadata{
		ID:            message.ID{PermID: id},
		ReceivedAt:    time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC),
		SenderAddress: "alice@example.com",
		SenderDomain:  "example.com",
		Subject:       "hello",
		LabelIDs:      []string{"INBOX"},
	}
}

func testLoop(storage *fakeStorage, cursor *fakeCursor, hist *fakeHistory, applier *fakeApplier) *Loop {
	return &Loop{
		History: hist,
		Storage: storage,
		Cursor:  cursor,
		Labels:  &fakeLabels{},
		Applier: applier,
		Rules: config.Config{
			Date:         config.DateRule{Enabled: true},
			IgnoreLabels: []string{"SPAM", "TRASH"},
		},
		Policy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDuplicateNotificationsSuppressed(t *testing.T) {
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{}
	loop := testLoop(&fakeStorage{}, cursor, hist, &fakeApplier{})

	for _, h := range []uint64{300, 500} {
		if err := loop.handle(context.Background(), message.Notification{HistoryID: h}); err != nil {
			t.Fatalf("handle(%d) = %v", h, err)
		}
	}
	if hist.calls != 0 {
		t.Errorf("history resolved %d times for stale notifications, want 0", hist.calls)
	}
	if cursor.current() != 500 {
		t.Errorf("cursor = %d, want unchanged 500", cursor.current())
	}
}

func TestHandleAdvancesCursorAfterSettledBatch(t *testing.T) {
	storage := &fakeStorage{
		metas: map[string]*message.Metadata{"m1": inboxMeta("m1"), "m2": inboxMeta("m2")},
	}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}, {PermID: "m2"}}, NewCursor: 610},
	}}
	applier := &fakeApplier{}
	loop := testLoop(storage, cursor, hist, applier)

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if cursor.current() != 610 {
		t.Errorf("cursor = %d, want 610", cursor.current())
	}
	if applier.totalItems() != 2 {
		t.Errorf("applied %d items, want 2", applier.totalItems())
	}
}

func TestRetryExhaustionHoldsCursorBack(t *testing.T) {
	storage := &fakeStorage{metas: map[string]*message.Metadata{"m1": inboxMeta("m1")}}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
	}}
	applier := &fakeApplier{statuses: map[string][]apply.Outcome{
		"m1": {{ID: message.ID{PermID: "m1"}, Status: apply.RetryExhausted}},
	}}
	loop := testLoop(storage, cursor, hist, applier)

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if cursor.current() != 500 {
		t.Errorf("cursor = %d, want held at 500", cursor.current())
	}
}

func TestTransientMetadataFailureHoldsCursorBack(t *testing.T) {
	storage := &fakeStorage{
		metas:    map[string]*message.Metadata{"m1": inboxMeta("m1")},
		metaErrs: map[string]error{"m1": errors.Wrap(&googleapi.Error{Code: 503}, "get message")},
	}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
		601: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 601},
	}}
	loop := testLoop(storage, cursor, hist, &fakeApplier{})

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if cursor.current() != 500 {
		t.Errorf("cursor = %d, want held at 500 while metadata is unreadable", cursor.current())
	}
	if storage.fetchCalls["m1"] != 3 {
		t.Errorf("fetch attempts = %d, want 3 (transient failures retried)", storage.fetchCalls["m1"])
	}

	// The next notification finds the message readable again.
	storage.metaErrs = nil
	if err := loop.handle(context.Background(), message.Notification{HistoryID: 601}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if cursor.current() != 601 {
		t.Errorf("cursor = %d, want 601 once the fetch succeeds", cursor.current())
	}
}

func TestLabelResolutionFailureIsNotFatal(t *testing.T) {
	storage := &fakeStorage{metas: map[string]*message.Metadata{"m1": inboxMeta("m1")}}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
	}}
	applier := &fakeApplier{}
	loop := testLoop(storage, cursor, hist, applier)
	loop.Labels = &fakeLabels{
		resolveErr: errors.Wrap(&googleapi.Error{Code: 503}, "list labels"),
	}

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v, want the cycle absorbed", err)
	}
	if cursor.current() != 500 {
		t.Errorf("cursor = %d, want held at 500", cursor.current())
	}
	if applier.totalItems() != 0 {
		t.Errorf("applied %d items with unresolved labels, want 0", applier.totalItems())
	}
}

func TestPermanentRejectionDoesNotHoldCursor(t *testing.T) {
	storage := &fakeStorage{metas: map[string]*message.Metadata{"m1": inboxMeta("m1")}}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
	}}
	applier := &fakeApplier{statuses: map[string][]apply.Outcome{
		"m1": {{
			ID:     message.ID{PermID: "m1"},
			Status: apply.PermanentlyRejected,
			Err:    errors.New("malformed id"),
		}},
	}}
	loop := testLoop(storage, cursor, hist, applier)

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if cursor.current() != 600 {
		t.Errorf("cursor = %d, want 600", cursor.current())
	}
}

func TestCursorInvalidFallsBackToCatchUp(t *testing.T) {
	storage := &fakeStorage{
		profile: message.Profile{EmailAddress: "user@example.com", HistoryID: 9000},
		metas:   map[string]*message.Metadata{"m1": inboxMeta("m1"), "m2": inboxMeta("m2")},
		recent:  []message.ID{{PermID: "m1"}, {PermID: "m2"}},
	}
	cursor := &fakeCursor{value: 7}
	hist := &fakeHistory{err: errors.Wrap(history.ErrCursorInvalid, "cursor 7")}
	applier := &fakeApplier{}
	loop := testLoop(storage, cursor, hist, applier)

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if len(cursor.resets) != 1 || cursor.resets[0] != 9000 {
		t.Errorf("resets = %v, want one reset to 9000", cursor.resets)
	}
	if applier.totalItems() != 2 {
		t.Errorf("catch-up applied %d items, want 2", applier.totalItems())
	}
}

func TestCatchUpHoldsCursorUntilSettled(t *testing.T) {
	storage := &fakeStorage{
		profile: message.Profile{HistoryID: 9000},
		metas:   map[string]*message.Metadata{"m1": inboxMeta("m1")},
		recent:  []message.ID{{PermID: "m1"}},
	}
	cursor := &fakeCursor{value: 7}
	applier := &fakeApplier{statuses: map[string][]apply.Outcome{
		"m1": {{ID: message.ID{PermID: "m1"}, Status: apply.RetryExhausted}},
	}}
	loop := testLoop(storage, cursor, &fakeHistory{}, applier)

	if err := loop.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp() = %v", err)
	}
	if cursor.current() != 7 {
		t.Errorf("cursor = %d, want stale 7 until catch-up settles", cursor.current())
	}

	// Once the backlog clears, a second catch-up re-seeds.
	if err := loop.CatchUp(context.Background()); err != nil {
		t.Fatalf("second CatchUp() = %v", err)
	}
	if cursor.current() != 9000 {
		t.Errorf("cursor = %d, want 9000", cursor.current())
	}
}

func TestCatchUpHonorsMessageCap(t *testing.T) {
	storage := &fakeStorage{
		profile: message.Profile{HistoryID: 9000},
		metas: map[string]*message.Metadata{
			"m1": inboxMeta("m1"), "m2": inboxMeta("m2"), "m3": inboxMeta("m3"),
		},
		recent: []message.ID{{PermID: "m1"}, {PermID: "m2"}, {PermID: "m3"}},
	}
	applier := &fakeApplier{}
	loop := testLoop(storage, &fakeCursor{}, &fakeHistory{}, applier)
	loop.MaxMessages = 2

	if err := loop.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp() = %v", err)
	}
	if applier.totalItems() != 2 {
		t.Errorf("applied %d items, want capped 2", applier.totalItems())
	}
}

func TestIgnoredMessagesExcludedEntirely(t *testing.T) {
	spam := inboxMeta("m1")
	spam.LabelIDs = append(spam.LabelIDs, "SPAM")
	storage := &fakeStorage{metas: map[string]*message.Metadata{"m1": spam}}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
	}}
	applier := &fakeApplier{}
	loop := testLoop(storage, cursor, hist, applier)

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if applier.totalItems() != 0 {
		t.Errorf("applied %d items for ignored message, want 0", applier.totalItems())
	}
	// Nothing to do still settles the cycle.
	if cursor.current() != 600 {
		t.Errorf("cursor = %d, want 600", cursor.current())
	}
}

func TestVanishedMessagesAreSkipped(t *testing.T) {
	storage := &fakeStorage{metas: map[string]*message.Metadata{}}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "gone"}}, NewCursor: 600},
	}}
	loop := testLoop(storage, cursor, hist, &fakeApplier{})

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if cursor.current() != 600 {
		t.Errorf("cursor = %d, want 600", cursor.current())
	}
}

func TestStaleLabelRejectionRetriedOnce(t *testing.T) {
	storage := &fakeStorage{metas: map[string]*message.Metadata{"m1": inboxMeta("m1")}}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
	}}
	applier := &fakeApplier{statuses: map[string][]apply.Outcome{
		"m1": {{
			ID:     message.ID{PermID: "m1"},
			Status: apply.PermanentlyRejected,
			Err:    errors.Wrap(&googleapi.Error{Code: 404}, "label gone"),
		}},
		// Second application succeeds via the default.
	}}
	labels := &fakeLabels{}
	loop := testLoop(storage, cursor, hist, applier)
	loop.Labels = labels

	if err := loop.handle(context.Background(), message.Notification{HistoryID: 600}); err != nil {
		t.Fatalf("handle() = %v", err)
	}
	if len(labels.invalidated) == 0 {
		t.Error("no label cache invalidation after not-found rejection")
	}
	if len(applier.applied) != 2 {
		t.Fatalf("apply batches = %d, want 2 (original + retry)", len(applier.applied))
	}
	if cursor.current() != 600 {
		t.Errorf("cursor = %d, want 600 after successful retry", cursor.current())
	}
}

type scriptedSource struct {
	notifications chan message.Notification
}

func (s *scriptedSource) Next(ctx context.Context) (message.Notification, error) {
	select {
	case <-ctx.Done():
		return message.Notification{}, ctx.Err()
	case n := <-s.notifications:
		return n, nil
	}
}

func TestRunProcessesNotificationsUntilCanceled(t *testing.T) {
	storage := &fakeStorage{
		profile: message.Profile{EmailAddress: "user@example.com", HistoryID: 700},
		metas:   map[string]*message.Metadata{"m1": inboxMeta("m1")},
	}
	cursor := &fakeCursor{value: 500}
	hist := &fakeHistory{deltas: map[uint64]message.Delta{
		600: {IDs: []message.ID{{PermID: "m1"}}, NewCursor: 600},
	}}
	source := &scriptedSource{notifications: make(chan message.Notification, 2)}
	loop := testLoop(storage, cursor, hist, &fakeApplier{})
	loop.Source = source

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	source.notifications <- message.Notification{EmailAddress: "user@example.com", HistoryID: 600}
	// Provenance check: a foreign mailbox's notification is dropped.
	source.notifications <- message.Notification{EmailAddress: "other@example.com", HistoryID: 999}

	deadline := time.Now().Add(2 * time.Second)
	for cursor.current() != 600 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cursor.current() != 600 {
		t.Fatalf("cursor = %d, want 600", cursor.current())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
	if hist.calls != 1 {
		t.Errorf("history calls = %d, want 1 (foreign notification dropped)", hist.calls)
	}
}
