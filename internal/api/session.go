package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quincyfaire/stagehand/internal/services"
)

const sessionCookie = "stagehand_session"

// SessionStore persists the browser-session to participant binding.
// The participant ID never travels to the client; the cookie only
// carries an opaque session ID.
type SessionStore interface {
	SaveSession(sessionID, participantID string, now time.Time) error
	SessionParticipant(sessionID string) (string, error)
}

// SessionManager resolves each request to a participant, lazily
// creating one on first contact.
type SessionManager struct {
	store        SessionStore
	participants *services.ParticipantService
	now          func() time.Time
}

func NewSessionManager(store SessionStore, participants *services.ParticipantService) *SessionManager {
	return &SessionManager{
		store:        store,
		participants: participants,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Participant returns the participant bound to the request's session,
// creating both session and participant when either is missing.
func (m *SessionManager) Participant(w http.ResponseWriter, r *http.Request) (*services.Participant, error) {
	sid := sessionID(r)
	if sid != "" {
		pid, err := m.store.SessionParticipant(sid)
		if err != nil {
			return nil, err
		}
		if pid != "" {
			p, err := m.participants.Get(pid)
			if err != nil {
				return nil, err
			}
			if p != nil {
				return p, nil
			}
		}
	}
	return m.bindNew(w, r, sid)
}

// Restart binds the session to a brand-new participant. The old
// participant record is kept; abandonment handling releases its
// condition from the balancing counts over time.
func (m *SessionManager) Restart(w http.ResponseWriter, r *http.Request) (*services.Participant, error) {
	return m.bindNew(w, r, sessionID(r))
}

func (m *SessionManager) bindNew(w http.ResponseWriter, r *http.Request, sid string) (*services.Participant, error) {
	p, err := m.participants.Create(clientIP(r), r.UserAgent())
	if err != nil {
		return nil, err
	}
	if sid == "" {
		sid = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    sid,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if err := m.store.SaveSession(sid, p.ID, m.now()); err != nil {
		return nil, err
	}
	return p, nil
}

func sessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
