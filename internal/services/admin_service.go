package services

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// AdminStore exposes the read and toggle surface of the admin console.
type AdminStore interface {
	ListParticipants() ([]*Participant, error)
	ListProgressByParticipant(participantID string) ([]*Progress, error)
	SetExcludeFromCount(participantID string, exclude bool) (bool, error)
	CountInCondition(condition int, abandonedBefore time.Time) (int, error)
}

// TokenSigner mints an admin session token.
type TokenSigner func(ttl time.Duration) (string, error)

// AdminService backs the researcher console: login, progress
// monitoring, per-arm counts, and the exclude-from-count toggle.
type AdminService struct {
	store        AdminStore
	participants *ParticipantService
	passwordHash []byte
	signToken    TokenSigner
	tokenTTL     time.Duration
	arms         []Arm
}

func NewAdminService(store AdminStore, participants *ParticipantService, passwordHash string, signToken TokenSigner, arms []Arm) *AdminService {
	return &AdminService{
		store:        store,
		participants: participants,
		passwordHash: []byte(passwordHash),
		signToken:    signToken,
		tokenTTL:     12 * time.Hour,
		arms:         arms,
	}
}

// Login verifies the console password against the configured bcrypt
// hash and returns a session token.
func (s *AdminService) Login(password string) (string, error) {
	if len(s.passwordHash) == 0 {
		return "", NewForbiddenError("admin console is not configured")
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", NewUnauthorizedError("wrong password")
	}
	return s.signToken(s.tokenTTL)
}

// ParticipantOverview is one row of the console's progress table.
type ParticipantOverview struct {
	ID               string         `json:"id"`
	ExternalID       string         `json:"external_id,omitempty"`
	Condition        *int           `json:"condition,omitempty"`
	CurrentPath      string         `json:"current_path"`
	Status           string         `json:"status"`
	ExcludeFromCount bool           `json:"exclude_from_count"`
	TimeStarted      time.Time      `json:"time_started"`
	LastActiveOn     time.Time      `json:"last_active_on"`
	Duration         string         `json:"duration"`
	Pages            []PageProgress `json:"pages"`
}

// PageProgress is the per-page duration detail of one participant.
type PageProgress struct {
	Path      string `json:"path"`
	StartedOn string `json:"started_on"`
	Duration  string `json:"duration"`
}

// Overview assembles the progress table, one entry per participant with
// their per-page durations.
func (s *AdminService) Overview(format func(time.Duration) string) ([]ParticipantOverview, error) {
	ps, err := s.store.ListParticipants()
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantOverview, 0, len(ps))
	for _, p := range ps {
		row := ParticipantOverview{
			ID:               p.ID,
			ExternalID:       p.ExternalID,
			CurrentPath:      p.CurrentPath,
			Status:           s.participants.Status(p),
			ExcludeFromCount: p.ExcludeFromCount,
			TimeStarted:      p.TimeStarted,
			LastActiveOn:     p.LastActiveOn,
		}
		if p.ConditionAssigned {
			cond := p.Condition
			row.Condition = &cond
		}
		if p.Finished && !p.TimeEnded.IsZero() {
			row.Duration = format(p.TimeEnded.Sub(p.TimeStarted))
		} else {
			row.Duration = row.Status
		}
		progress, err := s.store.ListProgressByParticipant(p.ID)
		if err != nil {
			return nil, err
		}
		for _, pr := range progress {
			page := PageProgress{Path: pr.Path, StartedOn: pr.StartedOn.Format(time.RFC3339)}
			if pr.SubmittedOn.IsZero() {
				page.Duration = "..."
			} else {
				page.Duration = format(pr.Duration())
			}
			row.Pages = append(row.Pages, page)
		}
		out = append(out, row)
	}
	return out, nil
}

// ConditionCount is the recruitment tally of one arm.
type ConditionCount struct {
	Condition int    `json:"condition"`
	Label     string `json:"label,omitempty"`
	Enabled   bool   `json:"enabled"`
	Count     int    `json:"count"`
}

// ConditionCounts reports the balancing counts the assigner sees,
// excluding released and exclude-from-count participants.
func (s *AdminService) ConditionCounts() ([]ConditionCount, error) {
	out := make([]ConditionCount, 0, len(s.arms))
	for i, arm := range s.arms {
		n, err := s.store.CountInCondition(i+1, time.Time{})
		if err != nil {
			return nil, err
		}
		out = append(out, ConditionCount{Condition: i + 1, Label: arm.Label, Enabled: arm.Enabled, Count: n})
	}
	return out, nil
}

// SetExcludeFromCount flips the idempotent exclusion flag that removes
// a participant from balancing counts and exports.
func (s *AdminService) SetExcludeFromCount(participantID string, exclude bool) error {
	ok, err := s.store.SetExcludeFromCount(participantID, exclude)
	if err != nil {
		return err
	}
	if !ok {
		return NewNotFoundError("participant not found")
	}
	return nil
}
