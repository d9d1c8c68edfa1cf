package services

import (
	"time"

	"github.com/quincyfaire/stagehand/internal/schema"
)

// ResponseStore persists completed questionnaire administrations.
type ResponseStore interface {
	UpsertQuestionnaireResponse(r *QuestionnaireResponse) error
}

// ResponseService turns a raw form submission into a normalized
// response row for the generic store.
type ResponseService struct {
	store          ResponseStore
	questionnaires map[string]*schema.Questionnaire
	now            func() time.Time
}

func NewResponseService(store ResponseStore, questionnaires map[string]*schema.Questionnaire) *ResponseService {
	return &ResponseService{
		store:          store,
		questionnaires: questionnaires,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Questionnaire looks up a loaded instrument definition.
func (s *ResponseService) Questionnaire(name string) (*schema.Questionnaire, bool) {
	q, ok := s.questionnaires[name]
	return q, ok
}

// Submit records one administration of the named questionnaire. The
// same (participant, questionnaire, tag) resubmitting replaces the
// earlier row; distinct administrations must use distinct tags, which
// page-list validation guarantees.
func (s *ResponseService) Submit(participantID, name, tag string, startedAt time.Time, form map[string]string) (*QuestionnaireResponse, error) {
	q, ok := s.questionnaires[name]
	if !ok {
		return nil, NewNotFoundError("questionnaire not found: " + name)
	}
	now := s.now()
	if startedAt.IsZero() {
		startedAt = now
	}
	r := &QuestionnaireResponse{
		ParticipantID: participantID,
		Questionnaire: name,
		Tag:           tag,
		TimeStarted:   startedAt,
		TimeEnded:     now,
		Fields:        q.Normalize(form),
	}
	if err := s.store.UpsertQuestionnaireResponse(r); err != nil {
		return nil, err
	}
	return r, nil
}
