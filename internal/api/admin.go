package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quincyfaire/stagehand/internal/middleware"
	"github.com/quincyfaire/stagehand/internal/services"
	"github.com/quincyfaire/stagehand/internal/utils"
)

// ResponseLister is the export surface of the store.
type ResponseLister interface {
	ListQuestionnaireResponses(questionnaire string) ([]*services.QuestionnaireResponse, error)
}

// AdminRouter serves the researcher console API. Everything except
// login requires an admin token.
type AdminRouter struct {
	admin     *services.AdminService
	responses *services.ResponseService
	exports   ResponseLister
}

func NewAdminRouter(admin *services.AdminService, responses *services.ResponseService, exports ResponseLister) *AdminRouter {
	return &AdminRouter{admin: admin, responses: responses, exports: exports}
}

func (rt *AdminRouter) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/login", rt.handleLogin) // POST
	mux.Handle("/admin/participants", middleware.RequireAdmin(http.HandlerFunc(rt.handleParticipants)))
	mux.Handle("/admin/conditions", middleware.RequireAdmin(http.HandlerFunc(rt.handleConditions)))
	mux.Handle("/admin/exclude", middleware.RequireAdmin(http.HandlerFunc(rt.handleExclude)))
	mux.Handle("/admin/export", middleware.RequireAdmin(http.HandlerFunc(rt.handleExport)))
}

// POST /admin/login {"password": "..."}
func (rt *AdminRouter) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, err := rt.admin.Login(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

// GET /admin/participants — the progress table.
func (rt *AdminRouter) handleParticipants(w http.ResponseWriter, r *http.Request) {
	rows, err := rt.admin.Overview(utils.DisplayTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"participants": rows})
}

// GET /admin/conditions — per-arm balancing counts.
func (rt *AdminRouter) handleConditions(w http.ResponseWriter, r *http.Request) {
	counts, err := rt.admin.ConditionCounts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"conditions": counts})
}

// POST /admin/exclude {"participant_id": "...", "exclude": true}
func (rt *AdminRouter) handleExclude(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ParticipantID string `json:"participant_id"`
		Exclude       bool   `json:"exclude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rt.admin.SetExcludeFromCount(req.ParticipantID, req.Exclude); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /admin/export?questionnaire=name — CSV of every stored
// administration, one column per field in definition order.
func (rt *AdminRouter) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("questionnaire")
	if name == "" {
		http.Error(w, "questionnaire required", http.StatusBadRequest)
		return
	}
	q, ok := rt.responses.Questionnaire(name)
	if !ok {
		http.Error(w, "questionnaire not found", http.StatusNotFound)
		return
	}
	rows, err := rt.exports.ListQuestionnaireResponses(name)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+name+".csv")
	cw := csv.NewWriter(w)
	header := []string{"participant_id", "tag", "time_started", "time_ended"}
	fields := q.Fields()
	for _, f := range fields {
		header = append(header, f.ID)
	}
	_ = cw.Write(header)
	for _, resp := range rows {
		record := []string{
			resp.ParticipantID,
			resp.Tag,
			resp.TimeStarted.Format(time.RFC3339),
			resp.TimeEnded.Format(time.RFC3339),
		}
		for _, f := range fields {
			record = append(record, fmt.Sprint(resp.Fields[f.ID]))
		}
		_ = cw.Write(record)
	}
	cw.Flush()
}
