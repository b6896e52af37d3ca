// Package consumer is the Queue Consumer (spec §4.2): it long-polls
// the durable queue and dispatches each delivery into the Debounce
// layer, acking only once that layer has durably accepted ownership of
// the inbound message.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"whatsapp-funnel/internal/queue"
)

const (
	maxBatch     = 10
	longPollWait = 20 * time.Second
)

// WebhookEnvelope is the minimal shape this consumer needs to read out
// of the opaque provider payload to route a message to a conversation;
// the core otherwise treats the envelope as opaque (spec §6).
type WebhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// InboundMessage is one lead-originated message extracted from an
// envelope, ready for the Debounce layer.
type InboundMessage struct {
	PhoneNumberID     string
	FromPhone         string
	ProviderMessageID string
	Text              string
}

// Dispatcher durably accepts ownership of one inbound message (spec
// §4.3 steps 1-4: resolve tenant/lead/conversation, persist the
// message, then either stop on HUMAN mode or buffer+arm the debounce
// timer). It returns once the inbound Message row is written, which is
// the point at which the consumer is allowed to ack.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg InboundMessage) error
}

type Consumer struct {
	Queue      queue.Queue
	Dispatcher Dispatcher
}

func New(q queue.Queue, dispatcher Dispatcher) *Consumer {
	return &Consumer{Queue: q, Dispatcher: dispatcher}
}

// Run long-polls until ctx is cancelled. Each batch is processed
// concurrently (spec §4.2: "dispatch into the Debounce layer
// asynchronously"); the consumer acks each delivery independently as
// soon as its dispatch succeeds.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := c.Queue.Receive(ctx, maxBatch, longPollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("queue receive failed")
			continue
		}

		for _, m := range messages {
			go c.handle(ctx, m)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m queue.Message) {
	inbound, err := parseEnvelope(m.Body)
	if err != nil {
		log.Error().Err(err).Msg("unparseable envelope, nacking")
		if nerr := c.Queue.Nack(ctx, m); nerr != nil {
			log.Error().Err(nerr).Msg("nack failed")
		}
		return
	}
	if inbound == nil {
		// Status callbacks and other non-message envelopes carry
		// nothing for the core to act on; ack and move on.
		if err := c.Queue.Ack(ctx, m); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		return
	}

	if err := c.Dispatcher.Dispatch(ctx, *inbound); err != nil {
		log.Error().Err(err).Str("provider_message_id", inbound.ProviderMessageID).Msg("dispatch failed, nacking for redelivery")
		if nerr := c.Queue.Nack(ctx, m); nerr != nil {
			log.Error().Err(nerr).Msg("nack failed")
		}
		return
	}

	if err := c.Queue.Ack(ctx, m); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func parseEnvelope(body []byte) (*InboundMessage, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook envelope: %w", err)
	}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				providerID := msg.ID
				if providerID == "" {
					// Some test/sandbox senders omit the provider message
					// id; synthesize one so downstream dedup keys never
					// collide on empty string.
					providerID = uuid.NewString()
				}
				return &InboundMessage{
					PhoneNumberID:     change.Value.Metadata.PhoneNumberID,
					FromPhone:         msg.From,
					ProviderMessageID: providerID,
					Text:              msg.Text.Body,
				}, nil
			}
		}
	}
	return nil, nil
}
