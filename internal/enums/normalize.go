package enums

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// aliases maps common LLM phrasing variants onto the canonical enum
// strings before the longest-common-subsequence fallback runs.
var aliases = map[string]string{
	"qualifying":    "qualification",
	"qualified":     "qualification",
	"qualify":       "qualification",
	"greet":         "greeting",
	"price":         "pricing",
	"close":         "closed",
	"followups":     "followup",
	"follow_up":     "followup",
	"ghost":         "ghosted",
	"send":          "send_now",
	"wait":          "wait_schedule",
	"schedule":      "wait_schedule",
	"handoff":       "flag_attention",
	"escalate":      "flag_attention",
	"handoff_human": "flag_attention",
	"very-high":     "very_high",
	"veryhigh":      "very_high",
	"positive":      "curious",
	"negative":      "annoyed",
	"frustrated":    "annoyed",
}

func clean(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	if alias, ok := aliases[v]; ok {
		return alias
	}
	return v
}

// lcs returns the longest common subsequence length between a and b.
func lcs(a, b string) int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] > dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	return dp[m][n]
}

// closest finds the valid enum string with the longest common
// subsequence against input, accepting only if the LCS length is >= 3.
func closest(input string, valid []string) string {
	best, bestScore := "", -1
	for _, candidate := range valid {
		if s := lcs(input, candidate); s > bestScore {
			bestScore, best = s, candidate
		}
	}
	if bestScore >= 3 {
		return best
	}
	return ""
}

func normalizeWithFallback[T ~string](field, raw string, valid map[string]T, def T) T {
	if raw == "" || raw == "null" {
		return def
	}
	n := clean(raw)
	if out, ok := valid[n]; ok {
		if n != strings.TrimSpace(strings.ToLower(raw)) {
			log.Warn().Str("field", field).Str("raw", raw).Str("normalized", n).Msg("enum correction")
		}
		return out
	}
	keys := make([]string, 0, len(valid))
	for k := range valid {
		keys = append(keys, k)
	}
	if match := closest(n, keys); match != "" {
		log.Warn().Str("field", field).Str("raw", raw).Str("normalized", match).Msg("enum correction")
		return valid[match]
	}
	log.Warn().Str("field", field).Str("raw", raw).Str("default", string(def)).Msg("enum fallback")
	return def
}

func NormalizeConversationStage(raw string, def ConversationStage) ConversationStage {
	valid := map[string]ConversationStage{
		"greeting": StageGreeting, "qualification": StageQualification,
		"pricing": StagePricing, "cta": StageCTA, "followup": StageFollowup,
		"closed": StageClosed, "lost": StageLost, "ghosted": StageGhosted,
	}
	return normalizeWithFallback("new_stage", raw, valid, def)
}

func NormalizeIntent(raw string, def IntentLevel) IntentLevel {
	valid := map[string]IntentLevel{
		"low": IntentLow, "medium": IntentMedium, "high": IntentHigh,
		"very_high": IntentVeryHigh, "unknown": IntentUnknown,
	}
	return normalizeWithFallback("intent_level", raw, valid, def)
}

func NormalizeSentiment(raw string, def UserSentiment) UserSentiment {
	valid := map[string]UserSentiment{
		"neutral": SentimentNeutral, "curious": SentimentCurious, "annoyed": SentimentAnnoyed,
		"distrustful": SentimentDistrustful, "confused": SentimentConfused,
		"disappointed": SentimentDisappointed, "uninterested": SentimentUninterested,
	}
	return normalizeWithFallback("user_sentiment", raw, valid, def)
}

func NormalizeAction(raw string, def DecisionAction) DecisionAction {
	valid := map[string]DecisionAction{
		"send_now": ActionSendNow, "wait_schedule": ActionWaitSchedule,
		"flag_attention": ActionFlagAttention, "initiate_cta": ActionInitiateCTA,
	}
	return normalizeWithFallback("action", raw, valid, def)
}

func NormalizeRisk(raw string, def RiskLevel) RiskLevel {
	valid := map[string]RiskLevel{"low": RiskLow, "medium": RiskMedium, "high": RiskHigh}
	return normalizeWithFallback("risk", raw, valid, def)
}
