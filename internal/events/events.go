// Package events builds and inspects the JSON event envelopes exchanged with
// the bidirectional speech-to-speech inference stream.
//
// Every envelope has the top-level shape {"event": {"<name>": {…}}}. The
// constructors in this package are pure: they perform no I/O and hold no
// state. Inbound envelopes are decoded into the same [Envelope] map shape so
// that unknown events pass through to the client untouched.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is one wire event in either direction. It is a plain JSON object
// so that events received from the backend can be forwarded to the client
// without losing fields this package does not know about.
type Envelope map[string]any

// InferenceConfiguration bounds the model's sampling behaviour for a session.
type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// AudioInputConfiguration describes the client→model audio format.
type AudioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

// AudioOutputConfiguration describes the model→client audio format, including
// the synthesised voice.
type AudioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

// ToolSpec declares a single callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema carries the tool's argument schema as a JSON string, the
// shape the wire protocol expects.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

// ToolSpecEntry wraps a ToolSpec in the catalogue's nesting level.
type ToolSpecEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolConfiguration is the tool catalogue announced at prompt start.
type ToolConfiguration struct {
	Tools []ToolSpecEntry `json:"tools"`
}

// Default configuration values. Callers may pass their own structs to the
// constructors to override any of these per call.
var (
	DefaultInferenceConfig = InferenceConfiguration{
		MaxTokens:   1024,
		TopP:        0.95,
		Temperature: 0.7,
	}

	DefaultAudioInputConfig = AudioInputConfiguration{
		MediaType:       "audio/lpcm",
		SampleRateHertz: 16000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		AudioType:       "SPEECH",
		Encoding:        "base64",
	}

	DefaultAudioOutputConfig = AudioOutputConfiguration{
		MediaType:       "audio/lpcm",
		SampleRateHertz: 24000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceID:         DefaultVoiceID,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}

	DefaultToolConfig = ToolConfiguration{
		Tools: []ToolSpecEntry{
			{ToolSpec: ToolSpec{
				Name:        "getDateTool",
				Description: "get information about the current day",
				InputSchema: ToolInputSchema{JSON: `{"type":"object","properties":{},"required":[]}`},
			}},
		},
	}
)

// DefaultVoiceID is the synthesised voice used when the client does not
// select one.
const DefaultVoiceID = "matthew"

// DefaultSystemPrompt is the system instruction sent when the client does not
// provide its own.
const DefaultSystemPrompt = "You are a friendly assistant. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios."

// SessionStart opens a session with the given inference configuration.
func SessionStart(cfg InferenceConfiguration) Envelope {
	return wrap("sessionStart", map[string]any{
		"inferenceConfiguration": cfg,
	})
}

// PromptStart begins a turn. The audio output configuration selects the voice
// and output sample rate; toolCfg announces the tool catalogue.
func PromptStart(promptName string, audioCfg AudioOutputConfiguration, toolCfg ToolConfiguration) Envelope {
	return wrap("promptStart", map[string]any{
		"promptName":                 promptName,
		"textOutputConfiguration":    map[string]any{"mediaType": "text/plain"},
		"audioOutputConfiguration":   audioCfg,
		"toolUseOutputConfiguration": map[string]any{"mediaType": "application/json"},
		"toolConfiguration":          toolCfg,
	})
}

// ContentStartText opens a TEXT content block carrying system instructions.
func ContentStartText(promptName, contentName string) Envelope {
	return wrap("contentStart", map[string]any{
		"promptName":             promptName,
		"contentName":            contentName,
		"type":                   "TEXT",
		"interactive":            false,
		"role":                   "SYSTEM",
		"textInputConfiguration": map[string]any{"mediaType": "text/plain"},
	})
}

// ContentStartUserText opens an interactive TEXT content block for typed
// user input.
func ContentStartUserText(promptName, contentName string) Envelope {
	return wrap("contentStart", map[string]any{
		"promptName":             promptName,
		"contentName":            contentName,
		"type":                   "TEXT",
		"interactive":            true,
		"role":                   "USER",
		"textInputConfiguration": map[string]any{"mediaType": "text/plain"},
	})
}

// TextInput sends a text payload into an open TEXT content block.
func TextInput(promptName, contentName, content string) Envelope {
	return wrap("textInput", map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	})
}

// ContentStartAudio opens an interactive AUDIO content block for user speech.
func ContentStartAudio(promptName, contentName string, cfg AudioInputConfiguration) Envelope {
	return wrap("contentStart", map[string]any{
		"promptName":              promptName,
		"contentName":             contentName,
		"type":                    "AUDIO",
		"interactive":             true,
		"role":                    "USER",
		"audioInputConfiguration": cfg,
	})
}

// AudioInput sends one base64-encoded LPCM chunk into an open AUDIO block.
func AudioInput(promptName, contentName, contentB64 string) Envelope {
	return wrap("audioInput", map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     contentB64,
	})
}

// ContentStartTool opens a TOOL content block that answers the given toolUseId.
func ContentStartTool(promptName, contentName, toolUseID string) Envelope {
	return wrap("contentStart", map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"interactive": false,
		"type":        "TOOL",
		"role":        "TOOL",
		"toolResultInputConfiguration": map[string]any{
			"toolUseId":              toolUseID,
			"type":                   "TEXT",
			"textInputConfiguration": map[string]any{"mediaType": "text/plain"},
		},
	})
}

// ToolResult returns a tool's output into an open TOOL content block.
// content is a JSON string (typically {"result": …}).
func ToolResult(promptName, contentName, content string) Envelope {
	return wrap("toolResult", map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	})
}

// ContentEnd closes a content block of any type.
func ContentEnd(promptName, contentName string) Envelope {
	return wrap("contentEnd", map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
	})
}

// PromptEnd closes a turn.
func PromptEnd(promptName string) Envelope {
	return wrap("promptEnd", map[string]any{
		"promptName": promptName,
	})
}

// SessionEnd terminates the session. Sending it causes the stream to close.
func SessionEnd() Envelope {
	return wrap("sessionEnd", map[string]any{})
}

// Error synthesises a client-visible error envelope. Used when the backend
// surfaces a validation fault that must not tear down the session.
func Error(message string) Envelope {
	return wrap("error", map[string]any{
		"message": message,
	})
}

// Raw wraps an undecodable backend payload so the client can still observe it.
func Raw(data string) Envelope {
	return Envelope{"raw_data": data}
}

func wrap(name string, body map[string]any) Envelope {
	return Envelope{"event": map[string]any{name: body}}
}

// Parse decodes a wire payload into an [Envelope]. The payload must be a
// UTF-8 JSON object.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	return env, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(map[string]any(e))
	if err != nil {
		return nil, fmt.Errorf("events: encode: %w", err)
	}
	return data, nil
}

// Name returns the event name — the sole key under "event" — or "" when the
// envelope has no event object (e.g. a raw_data record).
func (e Envelope) Name() string {
	body, ok := e["event"].(map[string]any)
	if !ok {
		return ""
	}
	for k := range body {
		return k
	}
	return ""
}

// Body returns the named event's payload object, or nil when absent.
func (e Envelope) Body(name string) map[string]any {
	body, ok := e["event"].(map[string]any)
	if !ok {
		return nil
	}
	inner, _ := body[name].(map[string]any)
	return inner
}

// WithTimestamp returns a shallow copy of the envelope stamped with a
// wall-clock millisecond timestamp. The receiver is not modified, so the same
// constructed event can be sent to the backend and mirrored to the client
// with an independent timestamp.
func (e Envelope) WithTimestamp(t time.Time) Envelope {
	out := make(Envelope, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out["timestamp"] = t.UnixMilli()
	return out
}

// ToolUse is the payload of an inbound toolUse event.
type ToolUse struct {
	// Name is the tool the model wants to call, as declared in the catalogue.
	Name string

	// ID correlates the eventual toolResult with this request.
	ID string

	// Content is the full toolUse object; its "content" field carries the
	// argument payload as a JSON string.
	Content map[string]any
}

// ArgumentsJSON extracts the tool's argument payload. Returns "" when the
// content field is absent or not a string.
func (t ToolUse) ArgumentsJSON() string {
	s, _ := t.Content["content"].(string)
	return s
}

// AsToolUse extracts the toolUse payload. ok is false when the envelope is
// not a toolUse event.
func (e Envelope) AsToolUse() (ToolUse, bool) {
	body := e.Body("toolUse")
	if body == nil {
		return ToolUse{}, false
	}
	name, _ := body["toolName"].(string)
	id, _ := body["toolUseId"].(string)
	return ToolUse{Name: name, ID: id, Content: body}, true
}

// ContentEndInfo is the subset of an inbound contentEnd payload the session
// cares about.
type ContentEndInfo struct {
	PromptName string
	Type       string
	StopReason string
}

// AsContentEnd extracts the contentEnd payload. ok is false when the envelope
// is not a contentEnd event.
func (e Envelope) AsContentEnd() (ContentEndInfo, bool) {
	body := e.Body("contentEnd")
	if body == nil {
		return ContentEndInfo{}, false
	}
	info := ContentEndInfo{}
	info.PromptName, _ = body["promptName"].(string)
	info.Type, _ = body["type"].(string)
	info.StopReason, _ = body["stopReason"].(string)
	return info, true
}
