package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nadhira/lobby/pkg/history"
	"github.com/nadhira/lobby/pkg/llm"
)

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response  string `json:"response"`
	Audio     string `json:"audio,omitempty"` // base64 MP3
	Timestamp int64  `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	start := time.Now()
	ip := clientIP(r)

	if !s.limiter.allow(ip) {
		retryAfter := s.limiter.retryAfter(ip)
		s.logger.Warn().Str("ip", ip).Int("retry_after", retryAfter).Msg("rate limit exceeded")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		s.countChat("rate_limited")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.countChat("bad_request")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Message) > s.cfg.MaxMessageLength {
		s.countChat("bad_request")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("message exceeds %d characters", s.cfg.MaxMessageLength))
		return
	}

	message := sanitizeMessage(req.Message)
	if message == "" {
		s.countChat("bad_request")
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	sess := s.sessions.get(w, r)

	prompt := s.prompt
	if s.deps.Knowledge != nil {
		if kctx := s.deps.Knowledge.Context(message); kctx != "" {
			prompt = prompt + "\n\nRelevant information:\n" + kctx
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.KnowledgeSearchesTotal.Inc()
		}
	}

	reply, err := s.deps.Model.Chat(r.Context(), prompt, s.sessions.context(sess), message)
	if err != nil {
		s.logChatError(err, ip)
		s.countChat("error")
		writeError(w, http.StatusBadGateway, "assistant unavailable")
		return
	}

	s.sessions.appendTurn(sess, message, reply)
	s.persistTurn(message, reply)

	resp := chatResponse{Response: reply, Timestamp: time.Now().UnixMilli()}
	if audio := s.synthesize(r, reply); len(audio) > 0 {
		resp.Audio = base64.StdEncoding.EncodeToString(audio)
		if s.deps.Avatar != nil {
			s.deps.Avatar.Speak(audio)
		}
	}

	s.countChat("ok")
	if s.deps.Metrics != nil {
		s.deps.Metrics.ChatRequestDuration.Observe(time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// synthesize runs TTS for the reply. Synthesis failure degrades to a
// text-only response rather than failing the chat.
func (s *Server) synthesize(r *http.Request, reply string) []byte {
	if s.deps.Synth == nil {
		return nil
	}
	audio, err := s.deps.Synth.Synthesize(r.Context(), reply)
	if err != nil {
		s.logger.Warn().Err(err).Msg("speech synthesis failed")
		if s.deps.Metrics != nil {
			s.deps.Metrics.TTSRequestsTotal.WithLabelValues("error").Inc()
		}
		return nil
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TTSRequestsTotal.WithLabelValues("ok").Inc()
		s.deps.Metrics.TTSAudioBytes.Add(float64(len(audio)))
	}
	return audio
}

func (s *Server) persistTurn(userMsg, reply string) {
	if s.deps.History == nil {
		return
	}
	err := s.deps.History.Append(history.Today(),
		history.NewMessage("user", userMsg),
		history.NewMessage("assistant", reply),
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to persist conversation")
	}
}

func (s *Server) logChatError(err error, ip string) {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		s.logger.Error().Int("status", apiErr.StatusCode).Str("ip", ip).Msg("llm api error")
		if s.deps.Metrics != nil {
			s.deps.Metrics.LLMErrorsTotal.WithLabelValues(fmt.Sprintf("http_%d", apiErr.StatusCode)).Inc()
		}
		return
	}
	s.logger.Error().Err(err).Str("ip", ip).Msg("llm request failed")
	if s.deps.Metrics != nil {
		s.deps.Metrics.LLMErrorsTotal.WithLabelValues("transport").Inc()
	}
}

func (s *Server) countChat(status string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ChatRequestsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = history.Today()
	}
	if !history.ValidDate(date) {
		writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}

	msgs, err := s.deps.History.Load(date)
	if err != nil {
		s.logger.Error().Err(err).Str("date", date).Msg("failed to load history")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":     date,
		"messages": msgs,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sess := s.sessions.get(w, r)
	s.sessions.reset(sess)

	if s.deps.History != nil {
		if err := s.deps.History.Clear(history.Today()); err != nil {
			s.logger.Error().Err(err).Msg("failed to clear history")
			writeError(w, http.StatusInternalServerError, "failed to reset conversation")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	health := map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.deps.Avatar != nil {
		health["avatar_ready"] = s.deps.Avatar.Ready()
	}
	if s.deps.Knowledge != nil {
		health["knowledge_chunks"] = s.deps.Knowledge.Len()
	}

	writeJSON(w, http.StatusOK, health)
}

// handleHealthz is the bare liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
