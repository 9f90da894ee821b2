package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCrisisLevelOrderingAndText(t *testing.T) {
	if !(LevelLow < LevelModerate && LevelModerate < LevelHigh && LevelHigh < LevelSevere) {
		t.Fatal("crisis levels are not ordered")
	}
	b, err := json.Marshal(struct {
		L CrisisLevel `json:"l"`
	}{LevelSevere})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"l":"SEVERE"}` {
		t.Errorf("unexpected json %s", b)
	}

	var out struct {
		L CrisisLevel `json:"l"`
	}
	if err := json.Unmarshal([]byte(`{"l":"moderate"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.L != LevelModerate {
		t.Errorf("expected MODERATE, got %v", out.L)
	}
	if _, err := ParseCrisisLevel("CRITICAL"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUniformDistributionIsValid(t *testing.T) {
	d := UniformDistribution()
	if !d.Valid() {
		t.Fatalf("uniform distribution invalid: %v", d)
	}
	delete(d, EmotionSad)
	if d.Valid() {
		t.Error("distribution missing a label should be invalid")
	}
}

func TestNoSignalAssessment(t *testing.T) {
	a := NoSignalAssessment("u1", time.Unix(0, 0))
	if !a.NoSignal || a.Confidence != 0 || a.CrisisScore != 0 {
		t.Errorf("unexpected no-signal assessment %+v", a)
	}
	if a.FusedDistribution[EmotionNeutral] != 1 || !a.FusedDistribution.Valid() {
		t.Errorf("expected all mass on neutral, got %v", a.FusedDistribution)
	}
}

func TestCrisisEventActionBookkeeping(t *testing.T) {
	ev := &CrisisEvent{ID: "e1", Status: EventStatusOpen}
	key := ActionKey(ActionNotifyContacts, LevelHigh, 0)
	ev.ActionsTaken = append(ev.ActionsTaken,
		ActionRecord{Action: ActionNotifyContacts, Level: LevelHigh, Status: ActionFailed, Attempt: 1},
		ActionRecord{Action: ActionNotifyContacts, Level: LevelHigh, Status: ActionSucceeded, Attempt: 2},
	)
	if !ev.Succeeded(key) {
		t.Error("expected action to be marked succeeded")
	}
	if ev.Attempts(key) != 2 {
		t.Errorf("expected 2 attempts, got %d", ev.Attempts(key))
	}
	if ev.Succeeded(ActionKey(ActionNotifyContacts, LevelSevere, 0)) {
		t.Error("different level must not share the key")
	}

	clone := ev.Clone()
	clone.ActionsTaken[0].Detail = "changed"
	if ev.ActionsTaken[0].Detail == "changed" {
		t.Error("clone shares the action slice")
	}
}

func TestPriorityRaiseCaps(t *testing.T) {
	if PriorityUrgent.Raise() != PriorityEmergency {
		t.Error("urgent should raise to emergency")
	}
	if PriorityEmergency.Raise() != PriorityEmergency {
		t.Error("emergency must stay capped")
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	r := Error("boom")
	if r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response %+v", r)
	}
	s := Success(map[string]int{"n": 1})
	if s.Status != string(APIStatusOK) || s.Result == nil {
		t.Errorf("unexpected success response %+v", s)
	}
}

func TestModalityInputValidate(t *testing.T) {
	tests := []struct {
		name string
		in   ModalityInput
		ok   bool
	}{
		{"text", ModalityInput{Modality: ModalityText, Text: "hello"}, true},
		{"empty text", ModalityInput{Modality: ModalityText}, false},
		{"voice url", ModalityInput{Modality: ModalityVoice, MediaURL: "https://x/y.wav"}, true},
		{"facial without media", ModalityInput{Modality: ModalityFacial}, false},
		{"unknown", ModalityInput{Modality: "smell", Text: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
