package server

import (
	"net/http"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/nadhira/lobby/pkg/llm"
)

const sessionCookie = "lobby_session"

// session holds one browser's running conversation. The model context
// is kept here so two visitors never bleed into each other even when
// day-level persistence is shared.
type session struct {
	id       string
	messages []llm.Message
	lastSeen time.Time
}

// sessionStore is an in-memory session table keyed by cookie. Sessions
// idle past the TTL are dropped on the next sweep.
type sessionStore struct {
	mu         sync.Mutex
	sessions   map[string]*session
	maxContext int
	ttl        time.Duration
}

func newSessionStore(maxContext int) *sessionStore {
	return &sessionStore{
		sessions:   make(map[string]*session),
		maxContext: maxContext,
		ttl:        2 * time.Hour,
	}
}

// get returns the request's session, creating one and setting the
// cookie when absent.
func (ss *sessionStore) get(w http.ResponseWriter, r *http.Request) *session {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if c, err := r.Cookie(sessionCookie); err == nil {
		if s, ok := ss.sessions[c.Value]; ok {
			s.lastSeen = time.Now()
			return s
		}
	}

	id, _ := gonanoid.New()
	s := &session{id: id, lastSeen: time.Now()}
	ss.sessions[id] = s

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

// appendTurn records a user/assistant exchange, trimming the context
// window from the front.
func (ss *sessionStore) appendTurn(s *session, userMsg, reply string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s.messages = append(s.messages,
		llm.Message{Role: "user", Content: userMsg},
		llm.Message{Role: "assistant", Content: reply},
	)
	if ss.maxContext > 0 && len(s.messages) > ss.maxContext {
		s.messages = s.messages[len(s.messages)-ss.maxContext:]
	}
}

// context returns a copy of the session's model context.
func (ss *sessionStore) context(s *session) []llm.Message {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// reset clears the session's conversation.
func (ss *sessionStore) reset(s *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s.messages = nil
}

// sweep drops sessions idle longer than the TTL.
func (ss *sessionStore) sweep() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cutoff := time.Now().Add(-ss.ttl)
	for id, s := range ss.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(ss.sessions, id)
		}
	}
}
