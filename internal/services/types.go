package services

import (
	"errors"
	"time"
)

// Participant is one person moving through the experiment. CurrentPath
// is the single page the flow state machine will let them interact
// with; Condition is their experimental arm (positive once assigned,
// negated when a stale attempt is released) and is only meaningful when
// ConditionAssigned is set.
type Participant struct {
	ID                string
	ExternalID        string
	IPAddress         string
	UserAgent         string
	Condition         int
	ConditionAssigned bool
	CurrentPath       string
	Code              string
	Finished          bool
	ExcludeFromCount  bool
	TimeStarted       time.Time
	TimeEnded         time.Time // zero until finished
	LastActiveOn      time.Time
}

// Progress marks a participant having reached (and possibly submitted)
// one page path. Created lazily on first on-track view of the path.
type Progress struct {
	ParticipantID string
	Path          string
	StartedOn     time.Time
	SubmittedOn   time.Time // zero until the page is left via POST
}

// Duration reports the time spent on the page, or zero while the page
// has not been submitted.
func (p Progress) Duration() time.Duration {
	if p.SubmittedOn.IsZero() {
		return 0
	}
	return p.SubmittedOn.Sub(p.StartedOn)
}

// QuestionnaireResponse is one completed administration of a
// questionnaire instrument. Fields holds the normalized answers keyed
// by field ID; the (participant, questionnaire, tag) triple is unique.
type QuestionnaireResponse struct {
	ParticipantID string
	Questionnaire string
	Tag           string
	TimeStarted   time.Time
	TimeEnded     time.Time
	Fields        map[string]any
}

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorForbidden    ErrorCode = "forbidden"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorUnauthorized ErrorCode = "unauthorized"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error  { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
