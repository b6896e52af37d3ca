// Package rpc is the Internal RPC Client/Server (spec §4.7): the only
// way the consumer/debounce/pipeline side touches conversation, lead,
// message, and tenant state. Authentication is a shared secret compared
// in constant time; every endpoint is JSON in/out.
package rpc

import (
	"time"

	"whatsapp-funnel/internal/entities"
)

const InternalSecretHeader = "X-Internal-Secret"

// ConversationPatch carries only the fields a caller wants to change;
// nil means "leave as-is" (spec §4.7 PATCH /conversations/{id}).
type ConversationPatch struct {
	Mode                 *string    `json:"mode,omitempty"`
	Stage                *string    `json:"stage,omitempty"`
	IntentLevel          *string    `json:"intent_level,omitempty"`
	UserSentiment        *string    `json:"user_sentiment,omitempty"`
	RollingSummary       *string    `json:"rolling_summary,omitempty"`
	NeedsHumanAttention  *bool      `json:"needs_human_attention,omitempty"`
	ActiveCTAID          *string    `json:"active_cta_id,omitempty"`
	LastUserMessageAt    *time.Time `json:"last_user_message_at,omitempty"`
	LastBotMessageAt     *time.Time `json:"last_bot_message_at,omitempty"`
}

type ByPhoneRequest struct {
	TenantID string `form:"tenant" json:"tenant"`
	Phone    string `form:"phone" json:"phone"`
}

// IncomingMessageRequest is idempotent on ProviderMessageID: posting the
// same provider message id twice returns the first persisted Message
// without creating a duplicate row.
type IncomingMessageRequest struct {
	TenantID          string `json:"tenant_id"`
	Phone             string `json:"phone"`
	ProviderMessageID string `json:"provider_message_id"`
	Content           string `json:"content"`
}

// OutgoingMessageRequest is append-only; there is no idempotency key
// because the core only ever calls it once per Action Applier decision.
type OutgoingMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type SendRequest struct {
	TenantID string `json:"tenant_id"`
	ToPhone  string `json:"to_phone"`
	Text     string `json:"text"`
}

type IncomingMessageResponse struct {
	Message      entities.Message      `json:"message"`
	Conversation entities.Conversation `json:"conversation"`
}

type DueFollowupsResponse struct {
	Conversations []entities.Conversation `json:"conversations"`
}

// RecentMessagesResponse carries the last K messages of a conversation,
// oldest first, for building a PipelineInput's LastMessages context.
type RecentMessagesResponse struct {
	Messages []entities.Message `json:"messages"`
}

// ObserverEventRequest is the payload named in spec §6 for the three
// named WebSocket event types the Action Applier forwards to the
// dashboard through this same RPC channel.
type ObserverEventRequest struct {
	Event               string `json:"event"`
	ConversationID      string `json:"conversation_id"`
	TenantID            string `json:"tenant_id"`
	Stage               string `json:"stage"`
	IntentLevel         string `json:"intent_level"`
	Sentiment           string `json:"sentiment"`
	NeedsHumanAttention bool   `json:"needs_human_attention"`
}
