package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// textScores is the strict JSON shape requested from the model.
type textScores struct {
	Happy      float64 `json:"happy" jsonschema:"minimum=0,maximum=1"`
	Sad        float64 `json:"sad" jsonschema:"minimum=0,maximum=1"`
	Angry      float64 `json:"angry" jsonschema:"minimum=0,maximum=1"`
	Fear       float64 `json:"fear" jsonschema:"minimum=0,maximum=1"`
	Neutral    float64 `json:"neutral" jsonschema:"minimum=0,maximum=1"`
	Disgust    float64 `json:"disgust" jsonschema:"minimum=0,maximum=1"`
	Surprised  float64 `json:"surprised" jsonschema:"minimum=0,maximum=1"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

func (s textScores) raw() models.RawResult {
	conf := s.Confidence
	return models.RawResult{
		Labels: []models.LabelScore{
			{Label: string(models.EmotionHappy), Score: s.Happy},
			{Label: string(models.EmotionSad), Score: s.Sad},
			{Label: string(models.EmotionAngry), Score: s.Angry},
			{Label: string(models.EmotionFear), Score: s.Fear},
			{Label: string(models.EmotionNeutral), Score: s.Neutral},
			{Label: string(models.EmotionDisgust), Score: s.Disgust},
			{Label: string(models.EmotionSurprised), Score: s.Surprised},
		},
		Confidence: &conf,
	}
}

var textScoresSchema = generateSchema[textScores]()

const textScoringInstructions = `You rate the emotional content of a short message written by a person who may be in distress.
Return a score between 0 and 1 for each emotion: happy, sad, angry, fear, neutral, disgust, surprised.
Scores should sum to roughly 1. Set confidence to how sure you are of the reading, between 0 and 1.
Do not give advice and do not add any text outside the JSON object.`

// OpenAIOpts holds configuration for the OpenAI text oracle.
type OpenAIOpts struct {
	APIKey    string
	Model     string
	RateLimit rate.Limit
	Burst     int
}

// OpenAIOption configures the OpenAI text oracle.
type OpenAIOption func(*OpenAIOpts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAIOpts) { o.APIKey = key }
}

// WithModel sets the model used for scoring.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Model = model }
}

// WithRateLimit bounds outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) OpenAIOption {
	return func(o *OpenAIOpts) {
		o.RateLimit = rate.Limit(perSecond)
		o.Burst = burst
	}
}

// responder sends one Responses API request and returns the output text.
type responder func(ctx context.Context, params responses.ResponseNewParams) (string, error)

// OpenAITextOracle scores free text with an OpenAI model constrained to a
// strict JSON schema.
type OpenAITextOracle struct {
	model   string
	limiter *rate.Limiter
	respond responder
}

// NewOpenAITextOracle creates a text oracle. The API key falls back to
// OPENAI_API_KEY.
func NewOpenAITextOracle(opts ...OpenAIOption) (*OpenAITextOracle, error) {
	cfg := OpenAIOpts{Model: DefaultOpenAIModel, RateLimit: 5, Burst: 10}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	slog.Debug("NewOpenAITextOracle: configured", "model", cfg.Model, "rateLimit", float64(cfg.RateLimit), "burst", cfg.Burst)

	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &OpenAITextOracle{
		model:   cfg.Model,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		respond: func(ctx context.Context, params responses.ResponseNewParams) (string, error) {
			resp, err := client.Responses.New(ctx, params)
			if err != nil {
				return "", err
			}
			return resp.OutputText(), nil
		},
	}, nil
}

// Score rates in.Text. Any transport or model failure is reported as
// models.ErrOracleUnavailable.
func (o *OpenAITextOracle) Score(ctx context.Context, modality models.Modality, in models.ModalityInput) (models.RawResult, error) {
	if modality != models.ModalityText {
		return models.RawResult{}, fmt.Errorf("text oracle cannot score %s: %w", modality, models.ErrOracleUnavailable)
	}
	if strings.TrimSpace(in.Text) == "" {
		return models.RawResult{}, fmt.Errorf("empty text: %w", models.ErrInvalidInput)
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return models.RawResult{}, fmt.Errorf("rate limiter: %v: %w", err, models.ErrOracleUnavailable)
		}
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(300),
		Instructions:    openai.String(textScoringInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(in.Text, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        "EmotionScores",
					Schema:      textScoresSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Per-emotion scores for one message"),
					Type:        "json_schema",
				},
			},
		},
	}

	out, err := o.respond(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			slog.Warn("OpenAITextOracle.Score: API error", "status", apiErr.StatusCode, "error", err)
		} else {
			slog.Warn("OpenAITextOracle.Score: request failed", "error", err)
		}
		return models.RawResult{}, fmt.Errorf("openai request: %v: %w", err, models.ErrOracleUnavailable)
	}

	var scores textScores
	if err := decodeModelJSON(out, &scores); err != nil {
		slog.Warn("OpenAITextOracle.Score: unreadable model output", "error", err)
		return models.RawResult{}, fmt.Errorf("decode model output: %v: %w", err, models.ErrOracleUnavailable)
	}
	return scores.raw(), nil
}

// decodeModelJSON parses model output, falling back to the outermost JSON object
// when the model wrapped it in prose.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return errors.New("empty model output")
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}
	return nil
}

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	b, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	// Strict mode wants every property required and no extras.
	m["additionalProperties"] = false
	if props, ok := m["properties"].(map[string]any); ok {
		required := make([]string, 0, len(props))
		for name := range props {
			required = append(required, name)
		}
		m["required"] = required
	}
	return m
}
