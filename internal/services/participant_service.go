package services

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParticipantStore persists participant records.
type ParticipantStore interface {
	InsertParticipant(p *Participant) error
	GetParticipant(id string) (*Participant, error)
	SaveParticipant(p *Participant) error
	// ListParticipantsByExternalID returns every participant claiming
	// the external worker ID, newest first.
	ListParticipantsByExternalID(externalID string) ([]*Participant, error)
}

// ParticipantService owns the participant lifecycle: creation on first
// contact, consent and condition assignment, external-ID claiming with
// retake handling, completion, and the derived abandoned status.
type ParticipantService struct {
	store          ParticipantStore
	assigner       *AssignService
	abandonedAfter time.Duration
	allowRetakes   bool
	now            func() time.Time
	idGen          func() string
}

func NewParticipantService(store ParticipantStore, assigner *AssignService, abandonedAfter time.Duration, allowRetakes bool) *ParticipantService {
	return &ParticipantService{
		store:          store,
		assigner:       assigner,
		abandonedAfter: abandonedAfter,
		allowRetakes:   allowRetakes,
		now:            func() time.Time { return time.Now().UTC() },
		idGen:          func() string { return shortID(12) },
	}
}

// Get loads a participant, or nil when the ID is unknown.
func (s *ParticipantService) Get(participantID string) (*Participant, error) {
	return s.store.GetParticipant(participantID)
}

// Create registers a new, unconditioned participant at their first
// contact with the experiment.
func (s *ParticipantService) Create(ipAddress, userAgent string) (*Participant, error) {
	now := s.now()
	p := &Participant{
		ID:           s.idGen(),
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		TimeStarted:  now,
		LastActiveOn: now,
	}
	if err := s.store.InsertParticipant(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Consent records that the participant consented. With assignCondition
// the balancing algorithm grants an arm; without it the participant is
// explicitly unconditioned (condition zero). A condition already
// granted is never overwritten, so re-submitting the consent form is
// harmless.
func (s *ParticipantService) Consent(participantID string, assignCondition bool) (*Participant, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	if p.ConditionAssigned {
		return p, nil
	}
	if assignCondition {
		cond, ok, err := s.assigner.Assign()
		if err != nil {
			return nil, err
		}
		if ok {
			p.Condition = cond
			p.ConditionAssigned = true
		}
	} else {
		p.Condition = 0
		p.ConditionAssigned = true
	}
	p.TimeStarted = s.now()
	p.LastActiveOn = p.TimeStarted
	if err := s.store.SaveParticipant(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AssignCondition grants an arm later in the flow, for studies that
// defer assignment past the initial questionnaires. Idempotent for a
// participant whose condition is already granted.
func (s *ParticipantService) AssignCondition(participantID string) (*Participant, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	if p.ConditionAssigned && p.Condition > 0 {
		return p, nil
	}
	cond, ok, err := s.assigner.Assign()
	if err != nil {
		return nil, err
	}
	if ok {
		p.Condition = cond
		p.ConditionAssigned = true
		if err := s.store.SaveParticipant(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ClaimExternalID binds a platform worker ID (e.g. a crowdsourcing
// account) to the participant and generates their completion code. A
// returning worker keeps the condition of their previous attempt, and
// every stale attempt has its condition released so the balancing
// counts are not skewed by duplicates.
func (s *ParticipantService) ClaimExternalID(participantID, externalID string) (*Participant, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, NewInvalidError("external id required")
	}
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	others, err := s.store.ListParticipantsByExternalID(externalID)
	if err != nil {
		return nil, err
	}
	var prior []*Participant
	for _, o := range others {
		if o.ID == p.ID || (o.ConditionAssigned && o.Condition < 0) {
			continue
		}
		prior = append(prior, o)
	}
	if len(prior) > 0 {
		if !s.allowRetakes {
			for _, o := range prior {
				if o.Finished {
					return nil, NewConflictError("this id has already completed the experiment")
				}
			}
		}
		if prior[0].ConditionAssigned {
			p.Condition = prior[0].Condition
			p.ConditionAssigned = true
		}
		for _, o := range prior {
			Release(o)
			if err := s.store.SaveParticipant(o); err != nil {
				return nil, err
			}
		}
	}
	p.ExternalID = externalID
	p.Code = uuid.NewString()
	if err := s.store.SaveParticipant(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Finish marks the participant done and hands back their completion
// code, generating one if no external-ID step issued it earlier.
// Re-entering the end page keeps the original completion time.
func (s *ParticipantService) Finish(participantID string) (*Participant, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	if p.Finished {
		return p, nil
	}
	p.Finished = true
	p.TimeEnded = s.now()
	if p.Code == "" {
		p.Code = uuid.NewString()
	}
	if err := s.store.SaveParticipant(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Touch refreshes the last-active timestamp; the client pings this
// periodically so long tasks are not misread as abandonment.
func (s *ParticipantService) Touch(participantID string) error {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	p.LastActiveOn = s.now()
	return s.store.SaveParticipant(p)
}

// Abandoned reports whether the participant walked away: unfinished and
// inactive past the configured threshold. Derived on read, never
// stored.
func (s *ParticipantService) Abandoned(p *Participant) bool {
	if p.Finished {
		return false
	}
	return s.now().Sub(p.LastActiveOn) > s.abandonedAfter
}

// Status summarizes a participant for the admin console.
func (s *ParticipantService) Status(p *Participant) string {
	switch {
	case p.Finished:
		return "Finished"
	case s.Abandoned(p):
		return "Abandoned"
	default:
		return "In Progress"
	}
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
