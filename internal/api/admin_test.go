package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quincyfaire/stagehand/internal/middleware"
	"github.com/quincyfaire/stagehand/internal/schema"
	"github.com/quincyfaire/stagehand/internal/services"
)

func (m *memStore) ListParticipants() ([]*services.Participant, error) {
	var out []*services.Participant
	for _, p := range m.participants {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListProgressByParticipant(participantID string) ([]*services.Progress, error) {
	var out []*services.Progress
	for _, pr := range m.progress {
		if pr.ParticipantID == participantID {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedOn.Before(out[j].StartedOn) })
	return out, nil
}

func (m *memStore) SetExcludeFromCount(participantID string, exclude bool) (bool, error) {
	p, ok := m.participants[participantID]
	if !ok {
		return false, nil
	}
	p.ExcludeFromCount = exclude
	return true, nil
}

func (m *memStore) ListQuestionnaireResponses(questionnaire string) ([]*services.QuestionnaireResponse, error) {
	var out []*services.QuestionnaireResponse
	for _, r := range m.responses {
		if r.Questionnaire == questionnaire {
			out = append(out, r)
		}
	}
	return out, nil
}

func newAdminServer(t *testing.T, store *memStore, password string) *httptest.Server {
	t.Helper()
	secret := []byte("test-secret")
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	arms := []services.Arm{{Label: "a", Enabled: true}}
	assigner := services.NewAssignService(store, arms, false, 15*time.Minute)
	participants := services.NewParticipantService(store, assigner, 15*time.Minute, false)
	responses := services.NewResponseService(store, map[string]*schema.Questionnaire{"mood": moodQuestionnaire()})
	signer := func(ttl time.Duration) (string, error) { return middleware.SignAdminToken(secret, ttl) }
	admin := services.NewAdminService(store, participants, string(hash), signer, arms)

	mux := http.NewServeMux()
	NewAdminRouter(admin, responses, store).Register(mux)
	srv := httptest.NewServer(middleware.WithAuth(secret, mux))
	t.Cleanup(srv.Close)
	return srv
}

func adminLogin(t *testing.T, srvURL, password string) (string, int) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": password})
	resp, err := http.Post(srvURL+"/admin/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.Token, resp.StatusCode
}

func authedGet(t *testing.T, rawURL, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	return resp
}

func TestAdminLoginAndAccess(t *testing.T) {
	store := newMemStore()
	srv := newAdminServer(t, store, "hunter2")

	if _, status := adminLogin(t, srv.URL, "wrong"); status != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", status)
	}

	resp := authedGet(t, srv.URL+"/admin/conditions", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	token, status := adminLogin(t, srv.URL, "hunter2")
	if status != http.StatusOK || token == "" {
		t.Fatalf("login failed: status %d", status)
	}

	resp = authedGet(t, srv.URL+"/admin/conditions", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conditions status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Conditions []services.ConditionCount `json:"conditions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode conditions: %v", err)
	}
	if len(body.Conditions) != 1 || body.Conditions[0].Label != "a" {
		t.Fatalf("conditions payload: %+v", body.Conditions)
	}
}

func TestAdminExportCSV(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.responses["p1|mood|"] = &services.QuestionnaireResponse{
		ParticipantID: "p1",
		Questionnaire: "mood",
		TimeStarted:   now,
		TimeEnded:     now.Add(time.Minute),
		Fields:        map[string]any{"mood": 4, "notes": "fine"},
	}
	srv := newAdminServer(t, store, "hunter2")
	token, _ := adminLogin(t, srv.URL, "hunter2")

	resp := authedGet(t, srv.URL+"/admin/export?questionnaire=mood", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "participant_id,tag,time_started,time_ended,mood,notes") {
		t.Fatalf("header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "fine") || !strings.HasPrefix(lines[1], "p1") {
		t.Fatalf("row: %q", lines[1])
	}
}

func TestAdminExcludeToggle(t *testing.T) {
	store := newMemStore()
	p := testAdminParticipant("p1")
	store.participants["p1"] = p
	srv := newAdminServer(t, store, "hunter2")
	token, _ := adminLogin(t, srv.URL, "hunter2")

	body, _ := json.Marshal(map[string]any{"participant_id": "p1", "exclude": true})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/exclude", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("exclude: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("exclude status = %d, want 204", resp.StatusCode)
	}
	if !store.participants["p1"].ExcludeFromCount {
		t.Fatalf("exclude flag not set")
	}
}

func testAdminParticipant(id string) *services.Participant {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &services.Participant{ID: id, TimeStarted: now, LastActiveOn: now}
}
