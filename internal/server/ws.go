package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/voxlink/sonicbridge/internal/events"
	"github.com/voxlink/sonicbridge/internal/session"
)

// handleWS runs one streaming session for the lifetime of a WebSocket
// connection. Client messages are JSON: a {"type":"text_input"} message is
// framed as a text turn; everything else is treated as a wire envelope and
// routed by event name (audioInput onto the ingress queue, the rest sent to
// the backend; a promptStart gets its audio output configuration filled in
// first). Backend output is forwarded from the session's egress queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("ws: accept", "err", err)
		return
	}

	voiceID := r.URL.Query().Get("voice_id")
	if voiceID == "" {
		voiceID = s.cfg.Audio.VoiceID
	}
	slog.Info("ws: client connected", "remote", r.RemoteAddr, "voice_id", voiceID)

	ctx := r.Context()

	mgr := session.New(session.Config{
		Region:  s.cfg.AWS.Region,
		ModelID: s.cfg.AWS.ModelID,
		Opener:  s.opener,
		Tools:   s.tools,
		Metrics: s.metrics,
	})
	if err := mgr.Initialize(ctx); err != nil {
		slog.Error("ws: session init failed", "err", err)
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "error", "message": err.Error()})
		conn.Close(websocket.StatusInternalError, "session init failed")
		return
	}

	defer func() {
		mgr.Close()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("ws: connection closed", "remote", r.RemoteAddr)
	}()

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.forwardOutput(fwdCtx, conn, mgr)

	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				slog.Info("ws: client disconnected", "status", status)
			} else if ctx.Err() == nil {
				slog.Error("ws: read", "err", err)
			}
			return
		}
		s.routeClientMessage(ctx, mgr, voiceID, msg)
	}
}

// forwardOutput streams events from the session's egress queue to the client.
func (s *Server) forwardOutput(ctx context.Context, conn *websocket.Conn, mgr *session.Manager) {
	for {
		env, err := mgr.Output(ctx)
		if err != nil {
			return
		}
		if err := wsjson.Write(ctx, conn, env); err != nil {
			if ctx.Err() == nil {
				slog.Error("ws: forward output", "err", err)
			}
			return
		}
	}
}

// routeClientMessage dispatches one client JSON message.
func (s *Server) routeClientMessage(ctx context.Context, mgr *session.Manager, voiceID string, msg map[string]any) {
	if t, _ := msg["type"].(string); t == "text_input" {
		text, _ := msg["text"].(string)
		slog.Info("ws: text input", "len", len(text))
		s.sendText(ctx, mgr, text)
		return
	}

	env := events.Envelope(msg)
	name := env.Name()
	if name == "" {
		slog.Warn("ws: message without event name, ignoring")
		return
	}

	switch name {
	case "audioInput":
		body := env.Body("audioInput")
		promptName, _ := body["promptName"].(string)
		contentName, _ := body["contentName"].(string)
		content, _ := body["content"].(string)
		mgr.EnqueueAudio(promptName, contentName, content)

	case "promptStart":
		body := env.Body("promptStart")
		if promptName, ok := body["promptName"].(string); ok {
			mgr.SetPromptName(promptName)
		}
		s.applyAudioDefaults(body, voiceID)
		_ = mgr.SendEvent(ctx, env)

	case "contentStart":
		body := env.Body("contentStart")
		contentName, _ := body["contentName"].(string)
		if blockType, _ := body["type"].(string); blockType == "AUDIO" {
			mgr.SetAudioContentName(contentName)
		} else {
			mgr.SetContentName(contentName)
		}
		_ = mgr.SendEvent(ctx, env)

	default:
		// promptEnd, contentEnd, textInput, sessionEnd, … pass through.
		// SendEvent closes the session itself after a sessionEnd.
		_ = mgr.SendEvent(ctx, env)
	}
}

// sendText frames a typed message as a complete text content block inside
// the current prompt.
func (s *Server) sendText(ctx context.Context, mgr *session.Manager, text string) {
	promptName := mgr.PromptName()
	if promptName == "" {
		slog.Warn("ws: text input before promptStart, ignoring")
		return
	}

	contentName := uuid.NewString()
	_ = mgr.SendEvent(ctx, events.ContentStartUserText(promptName, contentName))
	_ = mgr.SendEvent(ctx, events.TextInput(promptName, contentName, text))
	_ = mgr.SendEvent(ctx, events.ContentEnd(promptName, contentName))
}

// applyAudioDefaults fills the audio output configuration of a
// client-supplied promptStart: a missing block gets the server's configured
// defaults, and in either case the voice_id query parameter wins over
// whatever the UI embedded.
func (s *Server) applyAudioDefaults(body map[string]any, voiceID string) {
	if body == nil {
		return
	}
	if audioCfg, ok := body["audioOutputConfiguration"].(map[string]any); ok {
		if voiceID != "" {
			audioCfg["voiceId"] = voiceID
		}
		return
	}

	cfg := events.DefaultAudioOutputConfig
	cfg.SampleRateHertz = s.cfg.Audio.OutputSampleRateHertz
	if voiceID != "" {
		cfg.VoiceID = voiceID
	}
	body["audioOutputConfiguration"] = cfg
}
