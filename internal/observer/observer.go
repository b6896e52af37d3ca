// Package observer builds the dashboard-facing event payloads the
// Action Applier forwards over the Internal RPC (spec §6). It owns
// only payload construction; transport is rpc.Client.EmitEvent.
package observer

import (
	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/rpc"
)

// ConversationUpdated reports a state-machine transition that does not
// by itself require a human: stage/intent/sentiment moved.
func ConversationUpdated(conv entities.Conversation) rpc.ObserverEventRequest {
	return build(enums.EventConversationUpdated, conv)
}

// HumanAttentionRequired reports a conversation the Action Applier
// flagged for a human to take over (spec §4.10 step 4).
func HumanAttentionRequired(conv entities.Conversation) rpc.ObserverEventRequest {
	return build(enums.EventActionHumanAttention, conv)
}

// ConversationFlagged reports a conversation entering a CTA flow (spec
// §4.10 step 5).
func ConversationFlagged(conv entities.Conversation) rpc.ObserverEventRequest {
	return build(enums.EventActionConversationFlagged, conv)
}

func build(event enums.ObserverEvent, conv entities.Conversation) rpc.ObserverEventRequest {
	return rpc.ObserverEventRequest{
		Event:               string(event),
		ConversationID:      conv.ID,
		TenantID:            conv.TenantID,
		Stage:               string(conv.Stage),
		IntentLevel:         string(conv.IntentLevel),
		Sentiment:           string(conv.UserSentiment),
		NeedsHumanAttention: conv.NeedsHumanAttention,
	}
}
