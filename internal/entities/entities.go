// Package entities holds the persisted and ephemeral data model shared
// across the ingress, debounce, pipeline and RPC layers.
package entities

import (
	"time"

	"whatsapp-funnel/internal/enums"
)

// Tenant is the business/account a conversation belongs to. Looked up by
// the provider's phone-number-id on every inbound event; immutable during
// a message's processing.
type Tenant struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"-"`
	BusinessDesc  string `json:"business_description"`
	FlowPrompt    string `json:"flow_prompt"`
	CTAs          []CTA  `json:"ctas"`
}

// Lead is created on first message from an unknown phone. Unique per
// (tenant, phone); never deleted by the core.
type Lead struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Phone    string `json:"phone"`
	Name     string `json:"name,omitempty"`
}

// Conversation is one per (tenant, lead); perpetual until stage reaches a
// terminal value.
type Conversation struct {
	ID                  string                  `json:"id"`
	TenantID            string                  `json:"tenant_id"`
	LeadID              string                  `json:"lead_id"`
	Mode                enums.ConversationMode  `json:"mode"`
	Stage               enums.ConversationStage `json:"stage"`
	IntentLevel         enums.IntentLevel       `json:"intent_level"`
	UserSentiment       enums.UserSentiment     `json:"user_sentiment"`
	RollingSummary      string                  `json:"rolling_summary"`
	LastUserMessageAt   *time.Time              `json:"last_user_message_at,omitempty"`
	LastBotMessageAt    *time.Time              `json:"last_bot_message_at,omitempty"`
	FollowupCount24h    int                     `json:"followup_count_24h"`
	TotalNudges         int                     `json:"total_nudges"`
	NeedsHumanAttention bool                    `json:"needs_human_attention"`
	ActiveCTAID         *string                 `json:"active_cta_id,omitempty"`
}

// WindowOpen reports whether the provider's 24h free-form messaging
// window is still open relative to the last inbound user message.
func (c Conversation) WindowOpen(now time.Time) bool {
	if c.LastUserMessageAt == nil {
		return false
	}
	return now.Before(c.LastUserMessageAt.Add(24 * time.Hour))
}

// Message is append-only; never mutated after creation.
type Message struct {
	ID                 string             `json:"id"`
	ConversationID      string            `json:"conversation_id"`
	Origin              enums.MessageOrigin `json:"origin"`
	Content             string            `json:"content"`
	ProviderMessageID   string            `json:"provider_message_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// KnowledgeChunk is immutable after ingestion; deleted only with its
// parent document.
type KnowledgeChunk struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"-"`
}

// CTA is a selectable call-to-action offered to the pipeline.
type CTA struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
