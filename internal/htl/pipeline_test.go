package htl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/schemas"
)

func TestEmergencyResultNeverResponds(t *testing.T) {
	input := schemas.PipelineInput{ConversationStage: enums.StagePricing}
	result := EmergencyResult(input)

	assert.False(t, result.Generate.ShouldRespond)
	assert.True(t, result.Generate.NeedsHumanAttention)
	assert.Equal(t, enums.StagePricing, result.Generate.NewStage)
	assert.Equal(t, enums.ActionWaitSchedule, result.Generate.Action)
	assert.False(t, result.NeedsBackgroundSummary)
	assert.False(t, result.ShouldSendMessage())
}

func TestNormalizeGenerateOutputCorrectsAliasesAndFallsBack(t *testing.T) {
	input := schemas.PipelineInput{
		ConversationStage: enums.StageGreeting,
		IntentLevel:       enums.IntentLow,
		UserSentiment:     enums.SentimentNeutral,
	}
	raw := schemas.GenerateOutput{
		IntentLevel:   enums.IntentLevel("000000"),
		UserSentiment: enums.UserSentiment("positive"),
		Action:        enums.DecisionAction("handoff"),
		NewStage:      enums.ConversationStage("qualifying"),
	}

	out := normalizeGenerateOutput(raw, input)

	assert.Equal(t, enums.IntentUnknown, out.IntentLevel, "value with no letters in common falls back to the fixed unknown default, not the prior context value")
	assert.Equal(t, enums.SentimentCurious, out.UserSentiment, "alias table maps positive->curious")
	assert.Equal(t, enums.ActionFlagAttention, out.Action, "alias table maps handoff->flag_attention")
	assert.Equal(t, enums.StageQualification, out.NewStage, "alias table maps qualifying->qualification")
	assert.Equal(t, "en", out.MessageLanguage)
}

func TestFormatCTAsEmpty(t *testing.T) {
	assert.Equal(t, "No CTAs configured", formatCTAs(nil))
}

func TestFormatMessagesEmpty(t *testing.T) {
	assert.Equal(t, "No messages yet", formatMessages(nil))
}

func TestFormatMessagesJoinsBySender(t *testing.T) {
	msgs := []schemas.MessageContext{
		{Sender: "LEAD", Text: "hi"},
		{Sender: "BOT", Text: "hello"},
	}
	got := formatMessages(msgs)
	assert.Equal(t, "[LEAD] hi\n[BOT] hello", got)
}
