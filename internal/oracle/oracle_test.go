package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/responses"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Score(context.Background(), models.ModalityVoice, models.ModalityInput{})
	if !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("expected ErrOracleUnavailable, got %v", err)
	}
}

type stubOracle struct {
	res models.RawResult
	err error
}

func (s stubOracle) Score(ctx context.Context, modality models.Modality, in models.ModalityInput) (models.RawResult, error) {
	return s.res, s.err
}

func TestSet(t *testing.T) {
	conf := 0.9
	set := NewSet(map[models.Modality]ScoringOracle{
		models.ModalityText:  stubOracle{res: models.RawResult{Labels: []models.LabelScore{{Label: "sad", Score: 1}}, Confidence: &conf}},
		models.ModalityVoice: nil,
	})
	res, err := set.Score(context.Background(), models.ModalityText, models.ModalityInput{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Labels) != 1 {
		t.Errorf("expected stub result, got %+v", res)
	}
	if _, err := set.Score(context.Background(), models.ModalityVoice, models.ModalityInput{}); !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("expected unconfigured modality to be unavailable, got %v", err)
	}
	if got := set.Configured(); len(got) != 1 || got[0] != models.ModalityText {
		t.Errorf("Configured() = %v, want [text]", got)
	}
}

func TestHTTPOracle_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in models.ModalityInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if in.Modality != models.ModalityFacial || in.MediaURL != "https://img.example/1.jpg" {
			t.Errorf("unexpected request: %+v", in)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"labels":[{"label":"fearful","score":0.7},{"label":"neutral","score":0.3}],"confidence":0.8}`))
	}))
	defer srv.Close()

	o, err := NewHTTPOracle(models.ModalityFacial, srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPOracle: %v", err)
	}
	res, err := o.Score(context.Background(), models.ModalityFacial, models.ModalityInput{MediaURL: "https://img.example/1.jpg"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(res.Labels) != 2 || res.Confidence == nil || *res.Confidence != 0.8 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestHTTPOracle_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, `{}`, models.ErrOracleUnavailable},
		{"throttled", http.StatusTooManyRequests, `{}`, models.ErrOracleUnavailable},
		{"rejected payload", http.StatusUnprocessableEntity, `{}`, models.ErrInvalidInput},
		{"garbage body", http.StatusOK, `not json`, models.ErrOracleUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			o, _ := NewHTTPOracle(models.ModalityVoice, srv.URL)
			_, err := o.Score(context.Background(), models.ModalityVoice, models.ModalityInput{MediaBase64: "AAAA"})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestHTTPOracle_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	o, _ := NewHTTPOracle(models.ModalityVoice, url)
	_, err := o.Score(context.Background(), models.ModalityVoice, models.ModalityInput{MediaBase64: "AAAA"})
	if !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("expected ErrOracleUnavailable for closed server, got %v", err)
	}
}

func TestNewHTTPOracle_Validation(t *testing.T) {
	if _, err := NewHTTPOracle("smell", "http://x"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown modality, got %v", err)
	}
	if _, err := NewHTTPOracle(models.ModalityVoice, ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty url, got %v", err)
	}
}

func newTestTextOracle(fn responder) *OpenAITextOracle {
	return &OpenAITextOracle{model: DefaultOpenAIModel, respond: fn}
}

func TestOpenAITextOracle_Score(t *testing.T) {
	var gotParams responses.ResponseNewParams
	o := newTestTextOracle(func(ctx context.Context, params responses.ResponseNewParams) (string, error) {
		gotParams = params
		return `Here you go: {"happy":0,"sad":0.6,"angry":0,"fear":0.3,"neutral":0.1,"disgust":0,"surprised":0,"confidence":0.75}`, nil
	})
	res, err := o.Score(context.Background(), models.ModalityText, models.ModalityInput{Text: "I can't do this anymore"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if gotParams.Model != DefaultOpenAIModel {
		t.Errorf("model = %q, want %q", gotParams.Model, DefaultOpenAIModel)
	}
	if len(res.Labels) != len(models.Emotions) {
		t.Fatalf("expected %d labels, got %d", len(models.Emotions), len(res.Labels))
	}
	if res.Labels[1].Label != "sad" || res.Labels[1].Score != 0.6 {
		t.Errorf("unexpected sad score: %+v", res.Labels[1])
	}
	if res.Confidence == nil || *res.Confidence != 0.75 {
		t.Errorf("unexpected confidence: %v", res.Confidence)
	}
}

func TestOpenAITextOracle_Failures(t *testing.T) {
	failing := newTestTextOracle(func(ctx context.Context, params responses.ResponseNewParams) (string, error) {
		return "", errors.New("connection reset")
	})
	if _, err := failing.Score(context.Background(), models.ModalityText, models.ModalityInput{Text: "hello"}); !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("expected ErrOracleUnavailable on transport failure, got %v", err)
	}

	garbled := newTestTextOracle(func(ctx context.Context, params responses.ResponseNewParams) (string, error) {
		return "I'd rather not say", nil
	})
	if _, err := garbled.Score(context.Background(), models.ModalityText, models.ModalityInput{Text: "hello"}); !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("expected ErrOracleUnavailable on unreadable output, got %v", err)
	}

	if _, err := garbled.Score(context.Background(), models.ModalityVoice, models.ModalityInput{}); !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("expected ErrOracleUnavailable for non-text modality, got %v", err)
	}
	if _, err := garbled.Score(context.Background(), models.ModalityText, models.ModalityInput{Text: "   "}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank text, got %v", err)
	}
}

func TestNewOpenAITextOracle_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAITextOracle(); err == nil {
		t.Error("expected error when API key not provided")
	}
	if o, err := NewOpenAITextOracle(WithAPIKey("test-key"), WithModel("gpt-4.1-mini"), WithRateLimit(1, 1)); err != nil || o.model != "gpt-4.1-mini" {
		t.Errorf("expected configured oracle, got %v, %v", o, err)
	}
}

func TestTextScoresSchema(t *testing.T) {
	if textScoresSchema["additionalProperties"] != false {
		t.Error("schema must forbid additional properties")
	}
	req, ok := textScoresSchema["required"].([]string)
	if !ok || len(req) != 8 {
		t.Errorf("expected 8 required properties, got %v", textScoresSchema["required"])
	}
}
