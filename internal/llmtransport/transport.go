// Package llmtransport is the single-shot chat-completion client (spec
// §4.6): one POST to a configured OpenAI-compatible endpoint with a
// strict-JSON response schema and a tolerant fallback extractor. Callers
// always pass the parsed content through package enums before trusting
// any enum-shaped field.
package llmtransport

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

const callTimeout = 90 * time.Second

type Config struct {
	BaseURL string
	Model   string
	APIKey  string
}

type Transport struct {
	client openai.Client
	model  string
}

func New(cfg Config) (*Transport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("LLM_BASE_URL missing")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("LLM_MODEL missing")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	}
	return &Transport{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Mode selects how tolerant the transport is about the model's response
// not being raw top-level JSON.
type Mode int

const (
	// Strict requires a top-level JSON object; any other content is an
	// error (used for the Generate step, spec §4.4).
	Strict Mode = iota
	// Tolerant tries a top-level parse, then a fenced/embedded object
	// extraction (used for the Memory step, spec §4.4).
	Tolerant
)

// Call makes one chat-completion request with a strict-JSON response
// schema derived from T, and decodes the content into out (a *T).
func Call[T any](ctx context.Context, t *Transport, systemPrompt, userPrompt string, temperature float64, maxTokens *int, stepName string, mode Mode, out *T) (tokens int, err error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	schema := GenerateSchema[T]()
	params := openai.ChatCompletionNewParams{
		Model: t.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   stepName,
					Schema: schema,
					Strict: openai.Bool(mode == Strict),
				},
			},
		},
	}
	if maxTokens != nil {
		params.MaxTokens = openai.Int(int64(*maxTokens))
	}

	start := time.Now()
	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("%s: llm call: %w", stepName, err)
	}
	log.Debug().Str("step", stepName).Dur("latency", time.Since(start)).Msg("llm call completed")

	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("%s: empty response", stepName)
	}
	content := resp.Choices[0].Message.Content
	tokens = int(resp.Usage.TotalTokens)

	if mode == Strict {
		if jerr := json.Unmarshal([]byte(content), out); jerr != nil {
			return tokens, fmt.Errorf("%s: strict parse: %w", stepName, jerr)
		}
		return tokens, nil
	}

	if jerr := json.Unmarshal([]byte(content), out); jerr == nil {
		return tokens, nil
	}
	extracted := ExtractJSON(content)
	if extracted == "" {
		return tokens, fmt.Errorf("%s: could not parse JSON", stepName)
	}
	if jerr := json.Unmarshal([]byte(extracted), out); jerr != nil {
		return tokens, fmt.Errorf("%s: tolerant parse: %w", stepName, jerr)
	}
	return tokens, nil
}

var (
	balancedBraces = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	fencedJSON     = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// ExtractJSON implements the tolerant-mode fallback ladder from spec
// §4.6: top-level parse already tried by the caller, then the first
// balanced {...} block, then a fenced ```json block.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "{") {
		var probe map[string]any
		if json.Unmarshal([]byte(text), &probe) == nil {
			return text
		}
	}
	if m := balancedBraces.FindString(text); m != "" {
		var probe map[string]any
		if json.Unmarshal([]byte(m), &probe) == nil {
			return m
		}
	}
	if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
		var probe map[string]any
		if json.Unmarshal([]byte(m[1]), &probe) == nil {
			return m[1]
		}
	}
	return ""
}

// GenerateSchema reflects a Go type into a JSON schema document for use
// as an OpenAI strict response_format, so the wire schema can never
// drift from the struct callers decode into.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	var v T
	return reflector.Reflect(v)
}
