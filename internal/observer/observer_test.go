package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
)

func sampleConversation() entities.Conversation {
	return entities.Conversation{
		ID:                  "conv-1",
		TenantID:            "tenant-1",
		Stage:               enums.StagePricing,
		IntentLevel:         enums.IntentHigh,
		UserSentiment:       enums.SentimentCurious,
		NeedsHumanAttention: true,
	}
}

func TestConversationUpdatedBuildsExpectedPayload(t *testing.T) {
	req := ConversationUpdated(sampleConversation())
	assert.Equal(t, string(enums.EventConversationUpdated), req.Event)
	assert.Equal(t, "conv-1", req.ConversationID)
	assert.Equal(t, "tenant-1", req.TenantID)
	assert.Equal(t, "pricing", req.Stage)
	assert.True(t, req.NeedsHumanAttention)
}

func TestHumanAttentionRequiredSetsEventType(t *testing.T) {
	req := HumanAttentionRequired(sampleConversation())
	assert.Equal(t, string(enums.EventActionHumanAttention), req.Event)
}

func TestConversationFlaggedSetsEventType(t *testing.T) {
	req := ConversationFlagged(sampleConversation())
	assert.Equal(t, string(enums.EventActionConversationFlagged), req.Event)
}
