// Package pubsub drains mailbox change notifications from a Pub/Sub
// pull subscription.  Push and pull delivery look the same to the
// intake loop: a blocking "next notification" call.
package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/api/option"
	pubsub_api "google.golang.org/api/pubsub/v1"

	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/message"
	"github.com/tmcfarlane/mailsort/internal/retry"
)

// Topic returns the fully qualified topic path.
func Topic(project, topic string) string {
	return "projects/" + project + "/topics/" + topic
}

// Subscription returns the fully qualified subscription path.
func Subscription(project, subscription string) string {
	return "projects/" + project + "/subscriptions/" + subscription
}

// Source pulls notifications one at a time.
type Source struct {
	svc          *pubsub_api.Service
	subscription string
	policy       retry.Policy
	log          *slog.Logger
}

// New builds a Source over an authenticated HTTP client.  The
// subscription must be fully qualified.
func New(ctx context.Context, client *http.Client, subscription string, log *slog.Logger) (*Source, error) {
	svc, err := pubsub_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "creating pubsub service")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		svc:          svc,
		subscription: subscription,
		policy:       retry.Default,
		log:          log,
	}, nil
}

// Next blocks until a decodable notification arrives or the context
// ends.  Every pulled message is acknowledged, decodable or not:
// at-least-once redelivery is absorbed by the sync cursor comparison,
// so holding messages hostage buys nothing.
func (s *Source) Next(ctx context.Context) (message.Notification, error) {
	for {
		if err := ctx.Err(); err != nil {
			return message.Notification{}, err
		}
		var resp *pubsub_api.PullResponse
		err := s.policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
			var err error
			resp, err = s.svc.Projects.Subscriptions.Pull(s.subscription, &pubsub_api.PullRequest{
				MaxMessages: 10,
			}).Context(ctx).Do()
			return err
		})
		if err != nil {
			return message.Notification{}, errors.Wrapf(err, "pulling from %q", s.subscription)
		}
		if len(resp.ReceivedMessages) == 0 {
			continue
		}

		var ackIDs []string
		var found *message.Notification
		for _, rm := range resp.ReceivedMessages {
			ackIDs = append(ackIDs, rm.AckId)
			if found != nil || rm.Message == nil {
				continue
			}
			n, err := decodeEnvelope(rm.Message.Data)
			if err != nil {
				s.log.Warn("discarding undecodable notification", "error", err)
				continue
			}
			found = &n
		}
		if err := s.ack(ctx, ackIDs); err != nil {
			// Redelivery is harmless; log and move on.
			s.log.Debug("acknowledge failed", "error", err)
		}
		if found != nil {
			return *found, nil
		}
	}
}

func (s *Source) ack(ctx context.Context, ackIDs []string) error {
	if len(ackIDs) == 0 {
		return nil
	}
	_, err := s.svc.Projects.Subscriptions.Acknowledge(s.subscription, &pubsub_api.AcknowledgeRequest{
		AckIds: ackIDs,
	}).Context(ctx).Do()
	return errors.Wrap(err, "acknowledging notifications")
}

// envelope is the JSON payload GMail publishes: the mailbox identity
// and a history ID hint.  The history ID is documented as a number
// but has been observed as a string, so accept both.
type envelope struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// decodeEnvelope unwraps the base64-encoded JSON payload.
func decodeEnvelope(data string) (message.Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
	}
	if err != nil {
		return message.Notification{}, errors.Wrap(err, "decoding notification envelope")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return message.Notification{}, errors.Wrap(err, "parsing notification payload")
	}
	if env.EmailAddress == "" || env.HistoryID == "" {
		return message.Notification{}, errors.Errorf(
			"notification payload missing required fields: %q", string(raw))
	}
	id, err := strconv.ParseUint(env.HistoryID.String(), 10, 64)
	if err != nil {
		return message.Notification{}, errors.Wrapf(err, "history id %q", env.HistoryID)
	}
	return message.Notification{EmailAddress: env.EmailAddress, HistoryID: id}, nil
}
