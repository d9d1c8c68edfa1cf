package services

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/quincyfaire/stagehand/internal/flow"
)

// FlowStore persists per-participant flow state and page progress.
type FlowStore interface {
	GetParticipant(id string) (*Participant, error)
	SaveParticipant(p *Participant) error
	// UpsertProgress creates the progress row for (participant, path)
	// with startedOn=now if absent; when submitted is true it also
	// stamps submittedOn=now.
	UpsertProgress(participantID, path string, submitted bool, now time.Time) error
}

// Decision is the single outcome of every guard and navigation
// operation: either the handler may run, or the participant is
// redirected. Never both, never neither.
type Decision struct {
	Allow    bool
	Redirect string
}

func allowThrough() Decision          { return Decision{Allow: true} }
func redirectTo(path string) Decision { return Decision{Redirect: path} }

// FlowService is the access-control state machine applied on every
// guarded page request. A participant can only ever interact with the
// single path currently recorded for them; all forward motion goes
// through the explicit advance operations.
type FlowService struct {
	store FlowStore
	pages *flow.PageList
	now   func() time.Time
}

func NewFlowService(store FlowStore, pages *flow.PageList) *FlowService {
	return &FlowService{
		store: store,
		pages: pages,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// navCondition maps a participant's stored condition onto the value
// used to resolve their sequence. Unassigned, explicitly unconditioned
// (zero) and released (negative) participants all navigate the
// unconditional sequence; only a granted positive arm selects branches.
func navCondition(p *Participant) int {
	if p.ConditionAssigned && p.Condition > 0 {
		return p.Condition
	}
	return flow.NoCondition
}

// Guard validates a request for requestedPath by the given participant.
// First contact records the sequence's first page as their current
// path; after that, only the recorded path is allowed through and any
// other request redirects back to it. On-track views touch the
// last-active timestamp and upsert the page's progress record,
// stamping the submission time when the view is a form submission.
func (s *FlowService) Guard(participantID, requestedPath string, submission bool) (Decision, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return Decision{}, NewNotFoundError("participant not found")
	}
	path := strings.TrimPrefix(requestedPath, "/")
	cond := navCondition(p)

	if p.CurrentPath == "" {
		first := s.pages.FirstPath(cond)
		p.CurrentPath = first
		p.LastActiveOn = s.now()
		if err := s.store.SaveParticipant(p); err != nil {
			return Decision{}, err
		}
		// Only the true first page may be served on first contact.
		if path == first {
			return allowThrough(), nil
		}
		return redirectTo(first), nil
	}

	if _, ok := s.pages.IndexOf(p.CurrentPath, cond); !ok {
		return s.resetToStart(p, cond, path)
	}

	if path != p.CurrentPath {
		return redirectTo(p.CurrentPath), nil
	}

	now := s.now()
	p.LastActiveOn = now
	if err := s.store.SaveParticipant(p); err != nil {
		return Decision{}, err
	}
	if err := s.store.UpsertProgress(p.ID, path, submission, now); err != nil {
		return Decision{}, err
	}
	return allowThrough(), nil
}

// Advance moves the participant one page forward and redirects them
// there. The page being left is taken from the referrer when the
// serving layer could supply one (the advance endpoint is reached by
// redirect, so the handler cannot self-report), falling back to the
// recorded path. When the departing page is the terminal end page the
// participant is sent straight back to it: there is nothing after the
// end, and re-entering it must be harmless.
func (s *FlowService) Advance(participantID, referrerPath string) (Decision, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return Decision{}, NewNotFoundError("participant not found")
	}
	current := strings.TrimPrefix(referrerPath, "/")
	if current == "" {
		current = p.CurrentPath
	}
	if current == flow.EndPath {
		return redirectTo(flow.EndPath), nil
	}
	return s.advanceFrom(p, current)
}

// AdvanceFrom moves the participant to the page after the named one,
// ignoring any referrer.
func (s *FlowService) AdvanceFrom(participantID, page string) (Decision, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return Decision{}, NewNotFoundError("participant not found")
	}
	return s.advanceFrom(p, strings.TrimPrefix(page, "/"))
}

func (s *FlowService) advanceFrom(p *Participant, current string) (Decision, error) {
	cond := navCondition(p)
	next, err := s.pages.NextPath(current, cond)
	if errors.Is(err, flow.ErrPathNotFound) {
		return s.resetToStart(p, cond, "")
	}
	if err != nil {
		return Decision{}, err
	}
	p.CurrentPath = next
	if err := s.store.SaveParticipant(p); err != nil {
		return Decision{}, err
	}
	return redirectTo(next), nil
}

// JumpTo records an experimenter-directed jump to an arbitrary page of
// the participant's sequence and redirects there. A target outside the
// sequence resets to the start instead of dangling the recorded path.
func (s *FlowService) JumpTo(participantID, page string) (Decision, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return Decision{}, NewNotFoundError("participant not found")
	}
	cond := navCondition(p)
	page = strings.TrimPrefix(page, "/")
	if _, ok := s.pages.IndexOf(page, cond); !ok {
		return s.resetToStart(p, cond, "")
	}
	p.CurrentPath = page
	if err := s.store.SaveParticipant(p); err != nil {
		return Decision{}, err
	}
	return redirectTo(page), nil
}

// Previous steps the participant one page back, clamping at the first
// page. Intended primarily for debugging a study.
func (s *FlowService) Previous(participantID string) (Decision, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return Decision{}, NewNotFoundError("participant not found")
	}
	cond := navCondition(p)
	prev, err := s.pages.PreviousPath(p.CurrentPath, cond)
	if errors.Is(err, flow.ErrPathNotFound) {
		return s.resetToStart(p, cond, "")
	}
	if err != nil {
		return Decision{}, err
	}
	p.CurrentPath = prev
	if err := s.store.SaveParticipant(p); err != nil {
		return Decision{}, err
	}
	return redirectTo(prev), nil
}

// CurrentPath reports the participant's recorded path, or "/" before
// their first guarded view.
func (s *FlowService) CurrentPath(participantID string) (string, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return "", err
	}
	if p == nil || p.CurrentPath == "" {
		return "/", nil
	}
	return p.CurrentPath, nil
}

// PageAt resolves a path to its page spec within the participant's
// sequence.
func (s *FlowService) PageAt(p *Participant, path string) (flow.PageSpec, bool) {
	cond := navCondition(p)
	path = strings.TrimPrefix(path, "/")
	i, ok := s.pages.IndexOf(path, cond)
	if !ok {
		return flow.PageSpec{}, false
	}
	return s.pages.Flatten(cond)[i], true
}

// Crumbs builds the breadcrumb trail for the participant's resolved
// sequence with their current page highlighted.
func (s *FlowService) Crumbs(p *Participant) []flow.Crumb {
	cond := navCondition(p)
	flat := s.pages.Flatten(cond)
	active := -1
	if i, ok := s.pages.IndexOf(p.CurrentPath, cond); ok {
		active = i
	}
	return flow.Breadcrumbs(flat, active)
}

// resetToStart is the recovery path for a recorded or requested page
// that no longer resolves, typically after the study configuration
// changed mid-collection. Availability wins over continuity: the
// participant restarts at the first page rather than seeing an error.
func (s *FlowService) resetToStart(p *Participant, cond int, requestedPath string) (Decision, error) {
	first := s.pages.FirstPath(cond)
	log.Printf("flow: participant %s path %q no longer resolves for condition %d; resetting to %q", p.ID, p.CurrentPath, cond, first)
	p.CurrentPath = first
	p.LastActiveOn = s.now()
	if err := s.store.SaveParticipant(p); err != nil {
		return Decision{}, err
	}
	if requestedPath != "" && requestedPath == first {
		return allowThrough(), nil
	}
	return redirectTo(first), nil
}
