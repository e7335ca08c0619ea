package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/voxlink/sonicbridge/internal/events"
)

// roundTrip marshals an envelope and decodes it back so assertions see the
// exact wire shape.
func roundTrip(t *testing.T, env events.Envelope) map[string]any {
	t.Helper()
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return m
}

// body extracts the named event payload from a decoded envelope.
func body(t *testing.T, m map[string]any, name string) map[string]any {
	t.Helper()
	event, ok := m["event"].(map[string]any)
	if !ok {
		t.Fatalf("envelope has no event object: %v", m)
	}
	payload, ok := event[name].(map[string]any)
	if !ok {
		t.Fatalf("event has no %q payload: %v", name, event)
	}
	return payload
}

func TestSessionStart_CarriesInferenceConfig(t *testing.T) {
	t.Parallel()

	m := roundTrip(t, events.SessionStart(events.DefaultInferenceConfig))
	cfg, ok := body(t, m, "sessionStart")["inferenceConfiguration"].(map[string]any)
	if !ok {
		t.Fatal("missing inferenceConfiguration")
	}
	if got := cfg["maxTokens"].(float64); got != 1024 {
		t.Errorf("maxTokens: want 1024, got %v", got)
	}
	if got := cfg["topP"].(float64); got != 0.95 {
		t.Errorf("topP: want 0.95, got %v", got)
	}
	if got := cfg["temperature"].(float64); got != 0.7 {
		t.Errorf("temperature: want 0.7, got %v", got)
	}
}

func TestPromptStart_Shape(t *testing.T) {
	t.Parallel()

	m := roundTrip(t, events.PromptStart("p1", events.DefaultAudioOutputConfig, events.DefaultToolConfig))
	b := body(t, m, "promptStart")

	if b["promptName"] != "p1" {
		t.Errorf("promptName: want p1, got %v", b["promptName"])
	}
	audioCfg, ok := b["audioOutputConfiguration"].(map[string]any)
	if !ok {
		t.Fatal("missing audioOutputConfiguration")
	}
	if audioCfg["voiceId"] != "matthew" {
		t.Errorf("voiceId: want matthew, got %v", audioCfg["voiceId"])
	}
	if audioCfg["sampleRateHertz"].(float64) != 24000 {
		t.Errorf("sampleRateHertz: want 24000, got %v", audioCfg["sampleRateHertz"])
	}
	toolCfg, ok := b["toolConfiguration"].(map[string]any)
	if !ok {
		t.Fatal("missing toolConfiguration")
	}
	toolsList, ok := toolCfg["tools"].([]any)
	if !ok || len(toolsList) == 0 {
		t.Fatal("tool catalogue is empty")
	}
	spec := toolsList[0].(map[string]any)["toolSpec"].(map[string]any)
	if spec["name"] != "getDateTool" {
		t.Errorf("tool name: want getDateTool, got %v", spec["name"])
	}
}

func TestContentStart_Variants(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		env         events.Envelope
		wantType    string
		wantRole    string
		interactive bool
	}{
		{"system text", events.ContentStartText("p", "c"), "TEXT", "SYSTEM", false},
		{"user text", events.ContentStartUserText("p", "c"), "TEXT", "USER", true},
		{"audio", events.ContentStartAudio("p", "c", events.DefaultAudioInputConfig), "AUDIO", "USER", true},
		{"tool", events.ContentStartTool("p", "c", "t1"), "TOOL", "TOOL", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := body(t, roundTrip(t, tc.env), "contentStart")
			if b["type"] != tc.wantType {
				t.Errorf("type: want %s, got %v", tc.wantType, b["type"])
			}
			if b["role"] != tc.wantRole {
				t.Errorf("role: want %s, got %v", tc.wantRole, b["role"])
			}
			if b["interactive"] != tc.interactive {
				t.Errorf("interactive: want %v, got %v", tc.interactive, b["interactive"])
			}
		})
	}
}

func TestContentStartTool_CarriesToolUseID(t *testing.T) {
	t.Parallel()

	b := body(t, roundTrip(t, events.ContentStartTool("p", "c", "use-42")), "contentStart")
	cfg, ok := b["toolResultInputConfiguration"].(map[string]any)
	if !ok {
		t.Fatal("missing toolResultInputConfiguration")
	}
	if cfg["toolUseId"] != "use-42" {
		t.Errorf("toolUseId: want use-42, got %v", cfg["toolUseId"])
	}
}

func TestSessionEnd_IsEmpty(t *testing.T) {
	t.Parallel()

	m := roundTrip(t, events.SessionEnd())
	if b := body(t, m, "sessionEnd"); len(b) != 0 {
		t.Errorf("sessionEnd payload should be empty, got %v", b)
	}
}

func TestName_IdentifiesEvent(t *testing.T) {
	t.Parallel()

	if got := events.AudioInput("p", "c", "AAAA").Name(); got != "audioInput" {
		t.Errorf("Name: want audioInput, got %q", got)
	}
	if got := events.Raw("garbage").Name(); got != "" {
		t.Errorf("Name on raw record: want empty, got %q", got)
	}
}

func TestWithTimestamp_DoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	env := events.TextInput("p", "c", "hello")
	stamped := env.WithTimestamp(time.UnixMilli(12345))

	if _, ok := env["timestamp"]; ok {
		t.Error("receiver was mutated")
	}
	if got := stamped["timestamp"].(int64); got != 12345 {
		t.Errorf("timestamp: want 12345, got %v", got)
	}
}

func TestParse_AndToolUseExtraction(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"event":{"toolUse":{"toolName":"getDateTool","toolUseId":"t1","content":"{\"q\":1}"}}}`)
	env, err := events.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tu, ok := env.AsToolUse()
	if !ok {
		t.Fatal("AsToolUse: want ok")
	}
	if tu.Name != "getDateTool" || tu.ID != "t1" {
		t.Errorf("tool use: got %+v", tu)
	}
	if got := tu.ArgumentsJSON(); got != `{"q":1}` {
		t.Errorf("ArgumentsJSON: got %q", got)
	}
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := events.Parse([]byte("not json")); err == nil {
		t.Fatal("want error for invalid JSON")
	}
}

func TestAsContentEnd(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"event":{"contentEnd":{"promptName":"p","type":"TOOL","stopReason":"TOOL_USE"}}}`)
	env, err := events.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	info, ok := env.AsContentEnd()
	if !ok {
		t.Fatal("AsContentEnd: want ok")
	}
	if info.PromptName != "p" || info.Type != "TOOL" || info.StopReason != "TOOL_USE" {
		t.Errorf("content end: got %+v", info)
	}

	if _, ok := events.SessionEnd().AsContentEnd(); ok {
		t.Error("AsContentEnd on sessionEnd: want !ok")
	}
}
