package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/quincyfaire/stagehand/internal/flow"
	"github.com/quincyfaire/stagehand/internal/schema"
	"github.com/quincyfaire/stagehand/internal/services"
)

// Router serves the participant-facing surface of the experiment. Every
// page route passes through the flow guard before anything else, so a
// participant can only ever reach the single page recorded for them.
type Router struct {
	sessions     *SessionManager
	flow         *services.FlowService
	participants *services.ParticipantService
	responses    *services.ResponseService
}

func NewRouter(sessions *SessionManager, flowSvc *services.FlowService, participants *services.ParticipantService, responses *services.ResponseService) *Router {
	return &Router{sessions: sessions, flow: flowSvc, participants: participants, responses: responses}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", rt.handlePage) // GET, catch-all for plain flow pages
	mux.HandleFunc("/consent", rt.handleConsent(true))
	mux.HandleFunc("/consent_nc", rt.handleConsent(false))
	mux.HandleFunc("/create_participant", rt.handleCreateParticipant(true))
	mux.HandleFunc("/create_participant_nc", rt.handleCreateParticipant(false))
	mux.HandleFunc("/assign_condition", rt.handleAssignCondition)     // GET
	mux.HandleFunc("/start_mturk", rt.handleStartMTurk)               // GET, POST
	mux.HandleFunc("/questionnaire/", rt.handleQuestionnaire)         // GET, POST
	mux.HandleFunc("/redirect_next_page", rt.handleNextPage)          // GET
	mux.HandleFunc("/redirect_previous_page", rt.handlePreviousPage)  // GET
	mux.HandleFunc("/redirect_from_page/", rt.handleFromPage)         // GET
	mux.HandleFunc("/redirect_to_page/", rt.handleToPage)             // GET
	mux.HandleFunc("/submit", rt.handleSubmit)                        // POST
	mux.HandleFunc("/end", rt.handleEnd)                              // GET
	mux.HandleFunc("/user_active", rt.handleUserActive)               // POST
	mux.HandleFunc("/current_url", rt.handleCurrentURL)               // GET
	mux.HandleFunc("/restart", rt.handleRestart)                      // GET
}

// pagePayload is what a flow page looks like to the client.
type pagePayload struct {
	Path          string                `json:"path"`
	Name          string                `json:"name"`
	Crumbs        []flow.Crumb          `json:"crumbs"`
	Questionnaire *schema.Questionnaire `json:"questionnaire,omitempty"`
	Tag           string                `json:"tag,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		}
		http.Error(w, se.Message, status)
		return
	}
	log.Printf("api: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (rt *Router) redirect(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, "/"+strings.TrimPrefix(path, "/"), http.StatusFound)
}

// referrerPath extracts the flow path the participant is leaving. The
// advance endpoints are reached by browser navigation, so the referrer
// is the only record of the departing page.
func referrerPath(r *http.Request) string {
	ref := r.Referer()
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// guard runs the flow guard for the request, issuing the redirect
// itself when the participant is off track. ok is true only when the
// handler may proceed.
func (rt *Router) guard(w http.ResponseWriter, r *http.Request, p *services.Participant, path string, submission bool) bool {
	d, err := rt.flow.Guard(p.ID, path, submission)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !d.Allow {
		rt.redirect(w, r, d.Redirect)
		return false
	}
	return true
}

func (rt *Router) renderPage(w http.ResponseWriter, p *services.Participant, path string) {
	payload := pagePayload{Path: path, Crumbs: rt.flow.Crumbs(p)}
	if spec, ok := rt.flow.PageAt(p, path); ok {
		payload.Name = spec.Name
	}
	if strings.HasPrefix(path, flow.QuestionnairePrefix) {
		rest := strings.TrimPrefix(path, flow.QuestionnairePrefix)
		name, tag, _ := strings.Cut(rest, "/")
		if q, ok := rt.responses.Questionnaire(name); ok {
			payload.Questionnaire = q
			payload.Tag = tag
		}
	}
	writeJSON(w, payload)
}

// GET|POST /{page} — any plain flow page, including
// instructions/{name}. Posting a plain page stamps its submission and
// moves on, the same as posting /submit from it. The bare root never
// renders; it bounces to the recorded page.
func (rt *Router) handlePage(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	if r.Method == http.MethodPost {
		if !rt.guard(w, r, p, path, true) {
			return
		}
		d, err := rt.flow.AdvanceFrom(p.ID, path)
		if err != nil {
			writeError(w, err)
			return
		}
		rt.redirect(w, r, d.Redirect)
		return
	}
	if !rt.guard(w, r, p, path, false) {
		return
	}
	rt.renderPage(w, p, path)
}

// GET|POST /consent, /consent_nc — the consent page. Submitting grants
// the condition (or records an explicit no-condition) and moves on.
func (rt *Router) handleConsent(assignCondition bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := rt.sessions.Participant(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/")
		if r.Method != http.MethodPost {
			if rt.guard(w, r, p, path, false) {
				rt.renderPage(w, p, path)
			}
			return
		}
		if !rt.guard(w, r, p, path, true) {
			return
		}
		if _, err := rt.participants.Consent(p.ID, assignCondition); err != nil {
			writeError(w, err)
			return
		}
		d, err := rt.flow.AdvanceFrom(p.ID, path)
		if err != nil {
			writeError(w, err)
			return
		}
		rt.redirect(w, r, d.Redirect)
	}
}

// GET /create_participant, /create_participant_nc — entry points for
// studies whose page list has no consent page. The participant is
// created and conditioned immediately, then dropped onto the first
// page.
func (rt *Router) handleCreateParticipant(assignCondition bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := rt.sessions.Participant(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := rt.participants.Consent(p.ID, assignCondition); err != nil {
			writeError(w, err)
			return
		}
		rt.redirect(w, r, "/")
	}
}

// GET /assign_condition — a flow page for studies that defer arm
// assignment past the opening questionnaires. Assigns and moves on.
func (rt *Router) handleAssignCondition(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	const path = "assign_condition"
	if !rt.guard(w, r, p, path, true) {
		return
	}
	if _, err := rt.participants.AssignCondition(p.ID); err != nil {
		writeError(w, err)
		return
	}
	d, err := rt.flow.AdvanceFrom(p.ID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET|POST /start_mturk — a flow page that asks for the participant's
// crowdsourcing worker ID. Submitting claims the ID (adopting and
// releasing any previous attempt's condition), issues the completion
// code, and moves on. The field is accepted under either name so
// templates written for the Mechanical Turk form keep working.
func (rt *Router) handleStartMTurk(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	const path = "start_mturk"
	if r.Method != http.MethodPost {
		if rt.guard(w, r, p, path, false) {
			rt.renderPage(w, p, path)
		}
		return
	}
	if !rt.guard(w, r, p, path, true) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, services.NewInvalidError("malformed form submission"))
		return
	}
	externalID := r.PostForm.Get("external_id")
	if externalID == "" {
		externalID = r.PostForm.Get("mTurkID")
	}
	if _, err := rt.participants.ClaimExternalID(p.ID, externalID); err != nil {
		writeError(w, err)
		return
	}
	d, err := rt.flow.AdvanceFrom(p.ID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET|POST /questionnaire/{name}[/{tag}]
func (rt *Router) handleQuestionnaire(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	rest := strings.TrimPrefix(path, flow.QuestionnairePrefix)
	name, tag, _ := strings.Cut(rest, "/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodPost {
		if rt.guard(w, r, p, path, false) {
			rt.renderPage(w, p, path)
		}
		return
	}

	if !rt.guard(w, r, p, path, true) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, services.NewInvalidError("malformed form submission"))
		return
	}
	form := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}
	if _, err := rt.responses.Submit(p.ID, name, tag, p.LastActiveOn, form); err != nil {
		writeError(w, err)
		return
	}
	d, err := rt.flow.AdvanceFrom(p.ID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET /redirect_next_page
func (rt *Router) handleNextPage(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := rt.flow.Advance(p.ID, referrerPath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET /redirect_previous_page
func (rt *Router) handlePreviousPage(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := rt.flow.Previous(p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET /redirect_from_page/{page}
func (rt *Router) handleFromPage(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	page := strings.TrimPrefix(r.URL.Path, "/redirect_from_page/")
	d, err := rt.flow.AdvanceFrom(p.ID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET /redirect_to_page/{page}
func (rt *Router) handleToPage(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	page := strings.TrimPrefix(r.URL.Path, "/redirect_to_page/")
	d, err := rt.flow.JumpTo(p.ID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// POST /submit — record the submission of a plain page and move on.
// Questionnaire pages post to their own route instead.
func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	current, err := rt.flow.CurrentPath(p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !rt.guard(w, r, p, strings.TrimPrefix(current, "/"), true) {
		return
	}
	d, err := rt.flow.Advance(p.ID, referrerPath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, d.Redirect)
}

// GET /end — the terminal page. Marks the participant finished and
// shows their completion code; re-entry is harmless.
func (rt *Router) handleEnd(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !rt.guard(w, r, p, flow.EndPath, false) {
		return
	}
	p, err = rt.participants.Finish(p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"path":     flow.EndPath,
		"finished": true,
		"code":     p.Code,
		"crumbs":   rt.flow.Crumbs(p),
	})
}

// POST /user_active — keep-alive ping from long task pages.
func (rt *Router) handleUserActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rt.participants.Touch(p.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /current_url — where the participant belongs right now.
func (rt *Router) handleCurrentURL(w http.ResponseWriter, r *http.Request) {
	p, err := rt.sessions.Participant(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	current, err := rt.flow.CurrentPath(p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !strings.HasPrefix(current, "/") {
		current = "/" + current
	}
	writeJSON(w, map[string]string{"url": current})
}

// GET /restart — bind the session to a fresh participant and start
// over. Intended for piloting, not exposed to real participants.
func (rt *Router) handleRestart(w http.ResponseWriter, r *http.Request) {
	if _, err := rt.sessions.Restart(w, r); err != nil {
		writeError(w, err)
		return
	}
	rt.redirect(w, r, "/")
}
