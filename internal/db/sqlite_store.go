package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/quincyfaire/stagehand/internal/services"
)

// SQLiteStore implements every service store interface over one sqlite
// database. A NULL condition column is a participant who was never
// assigned; zero and negative values are stored assignments.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func conditionValue(p *services.Participant) sql.NullInt64 {
	if !p.ConditionAssigned {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(p.Condition), Valid: true}
}

func encodeFields(fields map[string]any) (sql.NullString, error) {
	if len(fields) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const participantColumns = `participant_id, external_id, ip_address, user_agent, condition, current_path, code, finished, exclude_from_count, time_started, time_ended, last_active_on`

func scanParticipant(row interface{ Scan(...any) error }) (*services.Participant, error) {
	var (
		p         services.Participant
		cond      sql.NullInt64
		timeEnded sql.NullTime
	)
	err := row.Scan(&p.ID, &p.ExternalID, &p.IPAddress, &p.UserAgent, &cond,
		&p.CurrentPath, &p.Code, &p.Finished, &p.ExcludeFromCount,
		&p.TimeStarted, &timeEnded, &p.LastActiveOn)
	if err != nil {
		return nil, err
	}
	if cond.Valid {
		p.Condition = int(cond.Int64)
		p.ConditionAssigned = true
	}
	if timeEnded.Valid {
		p.TimeEnded = timeEnded.Time
	}
	return &p, nil
}

func (s *SQLiteStore) InsertParticipant(p *services.Participant) error {
	_, err := s.db.Exec(`INSERT INTO participants (`+participantColumns+`)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ExternalID, p.IPAddress, p.UserAgent, conditionValue(p),
		p.CurrentPath, p.Code, p.Finished, p.ExcludeFromCount,
		p.TimeStarted, toNullTime(p.TimeEnded), p.LastActiveOn)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetParticipant(id string) (*services.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE participant_id = ?`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SaveParticipant(p *services.Participant) error {
	_, err := s.db.Exec(`UPDATE participants SET
      external_id = ?, ip_address = ?, user_agent = ?, condition = ?,
      current_path = ?, code = ?, finished = ?, exclude_from_count = ?,
      time_started = ?, time_ended = ?, last_active_on = ?
      WHERE participant_id = ?`,
		p.ExternalID, p.IPAddress, p.UserAgent, conditionValue(p),
		p.CurrentPath, p.Code, p.Finished, p.ExcludeFromCount,
		p.TimeStarted, toNullTime(p.TimeEnded), p.LastActiveOn, p.ID)
	if err != nil {
		return fmt.Errorf("save participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListParticipantsByExternalID(externalID string) ([]*services.Participant, error) {
	rows, err := s.db.Query(`SELECT `+participantColumns+` FROM participants
      WHERE external_id = ? ORDER BY time_started DESC`, externalID)
	if err != nil {
		return nil, fmt.Errorf("list participants by external id: %w", err)
	}
	defer rows.Close()
	var out []*services.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListParticipants() ([]*services.Participant, error) {
	rows, err := s.db.Query(`SELECT ` + participantColumns + ` FROM participants ORDER BY time_started`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []*services.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountInCondition tallies participants holding the condition, excluding
// anyone flagged exclude-from-count. A nonzero abandonedBefore further
// excludes unfinished participants inactive since before that instant.
func (s *SQLiteStore) CountInCondition(condition int, abandonedBefore time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM participants WHERE condition = ? AND exclude_from_count = 0`
	args := []any{condition}
	if !abandonedBefore.IsZero() {
		query += ` AND (finished = 1 OR last_active_on >= ?)`
		args = append(args, abandonedBefore)
	}
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in condition: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SetExcludeFromCount(participantID string, exclude bool) (bool, error) {
	res, err := s.db.Exec(`UPDATE participants SET exclude_from_count = ? WHERE participant_id = ?`, exclude, participantID)
	if err != nil {
		return false, fmt.Errorf("set exclude from count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpsertProgress(participantID, path string, submitted bool, now time.Time) error {
	var err error
	if submitted {
		_, err = s.db.Exec(`INSERT INTO progress (participant_id, path, started_on, submitted_on)
          VALUES (?, ?, ?, ?)
          ON CONFLICT(participant_id, path) DO UPDATE SET submitted_on = excluded.submitted_on`,
			participantID, path, now, now)
	} else {
		_, err = s.db.Exec(`INSERT INTO progress (participant_id, path, started_on)
          VALUES (?, ?, ?)
          ON CONFLICT(participant_id, path) DO NOTHING`,
			participantID, path, now)
	}
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListProgressByParticipant(participantID string) ([]*services.Progress, error) {
	rows, err := s.db.Query(`SELECT participant_id, path, started_on, submitted_on
      FROM progress WHERE participant_id = ? ORDER BY started_on`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()
	var out []*services.Progress
	for rows.Next() {
		var (
			pr        services.Progress
			submitted sql.NullTime
		)
		if err := rows.Scan(&pr.ParticipantID, &pr.Path, &pr.StartedOn, &submitted); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		if submitted.Valid {
			pr.SubmittedOn = submitted.Time
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertQuestionnaireResponse(r *services.QuestionnaireResponse) error {
	fields, err := encodeFields(r.Fields)
	if err != nil {
		return fmt.Errorf("encode response fields: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO questionnaire_responses
      (participant_id, questionnaire, tag, time_started, time_ended, fields)
      VALUES (?, ?, ?, ?, ?, ?)
      ON CONFLICT(participant_id, questionnaire, tag) DO UPDATE SET
        time_started = excluded.time_started,
        time_ended = excluded.time_ended,
        fields = excluded.fields`,
		r.ParticipantID, r.Questionnaire, r.Tag, r.TimeStarted, r.TimeEnded, fields)
	if err != nil {
		return fmt.Errorf("upsert questionnaire response: %w", err)
	}
	return nil
}

// ListQuestionnaireResponses returns every stored administration of the
// named questionnaire, for the admin export.
func (s *SQLiteStore) ListQuestionnaireResponses(questionnaire string) ([]*services.QuestionnaireResponse, error) {
	rows, err := s.db.Query(`SELECT participant_id, questionnaire, tag, time_started, time_ended, fields
      FROM questionnaire_responses WHERE questionnaire = ? ORDER BY participant_id, tag`, questionnaire)
	if err != nil {
		return nil, fmt.Errorf("list questionnaire responses: %w", err)
	}
	defer rows.Close()
	var out []*services.QuestionnaireResponse
	for rows.Next() {
		var (
			r      services.QuestionnaireResponse
			fields sql.NullString
		)
		if err := rows.Scan(&r.ParticipantID, &r.Questionnaire, &r.Tag, &r.TimeStarted, &r.TimeEnded, &fields); err != nil {
			return nil, fmt.Errorf("scan questionnaire response: %w", err)
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &r.Fields); err != nil {
				log.Printf("sqlite store: decode response fields: %v", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveSession binds a browser session to a participant, replacing any
// previous binding for the session (a restart points the same cookie at
// a fresh participant).
func (s *SQLiteStore) SaveSession(sessionID, participantID string, now time.Time) error {
	_, err := s.db.Exec(`INSERT INTO sessions (session_id, participant_id, created_on)
      VALUES (?, ?, ?)
      ON CONFLICT(session_id) DO UPDATE SET participant_id = excluded.participant_id`,
		sessionID, participantID, now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SessionParticipant resolves a session to its participant ID, or ""
// when the session is unknown.
func (s *SQLiteStore) SessionParticipant(sessionID string) (string, error) {
	var pid string
	err := s.db.QueryRow(`SELECT participant_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session participant: %w", err)
	}
	return pid, nil
}
