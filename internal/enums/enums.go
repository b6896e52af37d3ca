// Package enums defines the closed sets used by the conversation state
// machine and the HTL pipeline's decision output, plus the normalizer
// that is the only place an LLM-origin string is trusted into one of
// these types (spec §4.8).
package enums

// ConversationMode selects whether the core is allowed to invoke the LLM
// pipeline for a conversation at all.
type ConversationMode string

const (
	ModeBot   ConversationMode = "BOT"
	ModeHuman ConversationMode = "HUMAN"
)

type ConversationStage string

const (
	StageGreeting      ConversationStage = "greeting"
	StageQualification ConversationStage = "qualification"
	StagePricing       ConversationStage = "pricing"
	StageCTA           ConversationStage = "cta"
	StageFollowup      ConversationStage = "followup"
	StageClosed        ConversationStage = "closed"
	StageLost          ConversationStage = "lost"
	StageGhosted       ConversationStage = "ghosted"
)

type IntentLevel string

const (
	IntentLow      IntentLevel = "low"
	IntentMedium   IntentLevel = "medium"
	IntentHigh     IntentLevel = "high"
	IntentVeryHigh IntentLevel = "very_high"
	IntentUnknown  IntentLevel = "unknown"
)

type UserSentiment string

const (
	SentimentNeutral      UserSentiment = "neutral"
	SentimentCurious      UserSentiment = "curious"
	SentimentAnnoyed      UserSentiment = "annoyed"
	SentimentDistrustful  UserSentiment = "distrustful"
	SentimentConfused     UserSentiment = "confused"
	SentimentDisappointed UserSentiment = "disappointed"
	SentimentUninterested UserSentiment = "uninterested"
)

type DecisionAction string

const (
	ActionSendNow       DecisionAction = "send_now"
	ActionWaitSchedule  DecisionAction = "wait_schedule"
	ActionFlagAttention DecisionAction = "flag_attention"
	ActionInitiateCTA   DecisionAction = "initiate_cta"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type MessageOrigin string

const (
	OriginLead  MessageOrigin = "LEAD"
	OriginBot   MessageOrigin = "BOT"
	OriginHuman MessageOrigin = "HUMAN"
)

// ObserverEvent names the WebSocket event types the Action Applier emits
// to the dashboard via RPC (spec §6).
type ObserverEvent string

const (
	EventConversationUpdated       ObserverEvent = "CONVERSATION_UPDATED"
	EventActionHumanAttention      ObserverEvent = "ACTION_HUMAN_ATTENTION_REQUIRED"
	EventActionConversationFlagged ObserverEvent = "ACTION_CONVERSATIONS_FLAGGED"
)
