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

// Package gmail adapts the GMail API to the narrow surface the rest
// of the program consumes.  All calls pass through a token-bucket
// limiter denominated in the API's per-user quota units.
package gmail

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tmcfarlane/mailsort/internal/message"
)

const (
	ModifyScope = gmail_api.GmailModifyScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerMessagesGet   = 5
	quotaUnitsPerGetProfile    = 2
	quotaUnitsPerHistoryList   = 2
	quotaUnitsPerMessagesList  = 1
	quotaUnitsPerLabelsList    = 1
	quotaUnitsPerLabelsCreate  = 5
	quotaUnitsPerBatchModify   = 50
	quotaUnitsPerModify        = 5
	quotaUnitsPerWatch         = 100
	quotaUnitsPerStop          = 50

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	mailboxLabel = "INBOX"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
	ErrLabelNotFound   = errors.New("gmail label not found")
)

// Service provides access to one GMail mailbox.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
}

// New builds a Service around an authenticated HTTP client.
func New(ctx context.Context, client *http.Client) (*Service, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l}, nil
}

// httpStatus digs the HTTP status code out of a wrapped API error, or
// returns 0.
func httpStatus(err error) int {
	if apiErr, ok := errors.Cause(err).(*googleapi.Error); ok {
		return apiErr.Code
	}
	return 0
}

// IsTransient reports whether err is worth retrying: rate limiting or
// a server-side failure.
func IsTransient(err error) bool {
	switch httpStatus(err) {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsNotFound reports whether err is the API's 404.
func IsNotFound(err error) bool {
	return httpStatus(err) == http.StatusNotFound || errors.Cause(err) == ErrMessageNotFound
}

// IsConflict reports whether err is the API's 409, e.g. creating a
// label that already exists.
func IsConflict(err error) bool {
	return httpStatus(err) == http.StatusConflict
}

// GetProfile returns the mailbox identity and its current history ID.
func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	p, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "getting gmail profile")
	}
	return &message.Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId}, nil
}

// ListFrom pages mailbox history forward from historyID, invoking
// handler for every message touched by an add or label change, and
// returns the history ID the walk ended at.
func (s *Service) ListFrom(ctx context.Context, historyID uint64, handler func(message.ID) error) (uint64, error) {
	wait := func() error {
		return s.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
	}
	if err := wait(); err != nil {
		return 0, err
	}

	req := gmail_api.NewUsersHistoryService(s.service).List("me").
		Context(ctx).
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
		LabelId(mailboxLabel).
		StartHistoryId(historyID)
	var endID uint64
	err := req.Pages(ctx, func(page *gmail_api.ListHistoryResponse) (err error) {
		if page.HistoryId > endID {
			endID = page.HistoryId
		}
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if err := handler(message.ID{PermID: added.Message.Id, ThreadID: added.Message.ThreadId}); err != nil {
					return err
				}
			}
			for _, change := range h.LabelsAdded {
				if change.Message == nil {
					continue
				}
				if err := handler(message.ID{PermID: change.Message.Id, ThreadID: change.Message.ThreadId}); err != nil {
					return err
				}
			}
			for _, change := range h.LabelsRemoved {
				if change.Message == nil {
					continue
				}
				if err := handler(message.ID{PermID: change.Message.Id, ThreadID: change.Message.ThreadId}); err != nil {
					return err
				}
			}
		}
		if page.NextPageToken != "" {
			err = wait()
		}
		return
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing gmail history")
	}
	return endID, nil
}

// ListRecent pages inbox message IDs, newest first, stopping after
// max messages when max is positive.
func (s *Service) ListRecent(ctx context.Context, max int, handler func(message.ID) error) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return err
	}
	req := gmail_api.NewUsersMessagesService(s.service).List("me").
		Context(ctx).
		LabelIds(mailboxLabel).
		Fields("messages/id", "messages/threadId", "nextPageToken")
	if max > 0 && max < 500 {
		req = req.MaxResults(int64(max))
	}
	total := 0
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		for _, msg := range page.Messages {
			if max > 0 && total >= max {
				return errStopPaging
			}
			total++
			if err := handler(message.ID{PermID: msg.Id, ThreadID: msg.ThreadId}); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			err = s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil && err != errStopPaging {
		return errors.Wrap(err, "listing recent messages")
	}
	return nil
}

var errStopPaging = errors.New("stop paging")

// GetMetadata fetches the attributes rule evaluation needs.
func (s *Service) GetMetadata(ctx context.Context, id string) (*message.Metadata, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesGet); err != nil {
		return nil, err
	}
	msg, err := gmail_api.NewUsersMessagesService(s.service).Get("me", id).
		Context(ctx).
		Format("metadata").
		MetadataHeaders("From", "Subject", "Date").
		Do()
	if err != nil {
		if httpStatus(err) == http.StatusNotFound {
			// History sometimes names messages that can no
			// longer be fetched.
			return nil, ErrMessageNotFound
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return metadataFromMessage(msg), nil
}

// ListLabels returns the label name to ID mapping for the mailbox.
func (s *Service) ListLabels(ctx context.Context) (map[string]string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return nil, err
	}
	resp, err := gmail_api.NewUsersLabelsService(s.service).List("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "listing gmail labels")
	}
	byName := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		byName[l.Name] = l.Id
	}
	return byName, nil
}

// CreateLabel creates a label and returns its ID.  A 409 from the API
// surfaces as IsConflict and means another writer won the race.
func (s *Service) CreateLabel(ctx context.Context, name string) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsCreate); err != nil {
		return "", err
	}
	created, err := gmail_api.NewUsersLabelsService(s.service).Create("me", &gmail_api.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "creating label %q", name)
	}
	return created.Id, nil
}

// BatchModify adds the given labels to every listed message in one
// API call.  Adding a label a message already carries is a no-op on
// the server side.
func (s *Service) BatchModify(ctx context.Context, ids []string, addLabelIDs []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.limiter.WaitN(ctx, quotaUnitsPerBatchModify); err != nil {
		return err
	}
	req := &gmail_api.BatchModifyMessagesRequest{
		Ids:         ids,
		AddLabelIds: addLabelIDs,
	}
	err := gmail_api.NewUsersMessagesService(s.service).BatchModify("me", req).Context(ctx).Do()
	return errors.Wrapf(err, "batch modifying %d messages", len(ids))
}

// Modify adds labels to a single message.  Used to isolate permanent
// failures inside a rejected chunk.
func (s *Service) Modify(ctx context.Context, id string, addLabelIDs []string) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	req := &gmail_api.ModifyMessageRequest{AddLabelIds: addLabelIDs}
	_, err := gmail_api.NewUsersMessagesService(s.service).Modify("me", id, req).Context(ctx).Do()
	if httpStatus(err) == http.StatusNotFound {
		return ErrMessageNotFound
	}
	return errors.Wrapf(err, "modifying message %v", id)
}

// Watch asks the mailbox to publish change notifications for inbox
// events to the given Pub/Sub topic.
func (s *Service) Watch(ctx context.Context, topic string) (message.Lease, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerWatch); err != nil {
		return message.Lease{}, err
	}
	resp, err := s.service.Users.Watch("me", &gmail_api.WatchRequest{
		LabelIds:          []string{mailboxLabel},
		LabelFilterAction: "include",
		TopicName:         topic,
	}).Context(ctx).Do()
	if err != nil {
		return message.Lease{}, errors.Wrapf(err, "establishing watch on %q", topic)
	}
	return message.Lease{
		HistoryID: resp.HistoryId,
		ExpiresAt: time.UnixMilli(resp.Expiration),
		Topic:     topic,
	}, nil
}

// StopWatch tears the subscription down.
func (s *Service) StopWatch(ctx context.Context) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerStop); err != nil {
		return err
	}
	err := s.service.Users.Stop("me").Context(ctx).Do()
	return errors.Wrap(err, "stopping watch")
}

// metadataFromMessage maps an API message (metadata format) onto the
// internal metadata type, extracting the sender identity from the
// From header.
func metadataFromMessage(msg *gmail_api.Message) *message.Metadata {
	meta := &message.Metadata{
		ID:       message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
	}
	var date string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				meta.SenderAddress, meta.SenderDomain, meta.SenderName = parseSender(h.Value)
			case "Subject":
				meta.Subject = h.Value
			case "Date":
				date = h.Value
			}
		}
	}
	if date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			meta.ReceivedAt = t
		}
	}
	if meta.ReceivedAt.IsZero() && msg.InternalDate > 0 {
		meta.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}
	return meta
}

// parseSender splits a From header into address, domain, and display
// name.  Headers that are not an address at all yield empty results.
func parseSender(from string) (addr, domain, name string) {
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = strings.ToLower(parsed.Address)
		name = parsed.Name
	} else if strings.Contains(from, "@") {
		addr = strings.ToLower(strings.TrimSpace(from))
	} else {
		return "", "", ""
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domain = addr[at+1:]
	}
	if name == "" && addr != "" {
		name, _, _ = strings.Cut(addr, "@")
	}
	return addr, domain, name
}
