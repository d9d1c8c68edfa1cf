package commands

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quincyfaire/stagehand/internal/api"
	"github.com/quincyfaire/stagehand/internal/config"
	"github.com/quincyfaire/stagehand/internal/db"
	"github.com/quincyfaire/stagehand/internal/middleware"
	"github.com/quincyfaire/stagehand/internal/schema"
	"github.com/quincyfaire/stagehand/internal/services"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the experiment server",
		Long: `Load the study definition and questionnaires, run database
migrations, and serve the experiment until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	study, pages, err := config.LoadStudy(cfg.StudyFile)
	if err != nil {
		return err
	}

	questionnaires, err := schema.LoadDir(cfg.QuestionnaireDir)
	if errors.Is(err, os.ErrNotExist) {
		questionnaires = map[string]*schema.Questionnaire{}
	} else if err != nil {
		return err
	}
	// Every questionnaire page must have a loaded definition; a typo in
	// the study file should fail here, not mid-collection.
	for _, name := range pages.QuestionnairePaths(false) {
		if _, ok := questionnaires[name]; !ok {
			return fmt.Errorf("page list references unknown questionnaire %q", name)
		}
	}

	conn, err := sql.Open("sqlite3", cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		return err
	}
	store, err := db.NewSQLiteStore(conn)
	if err != nil {
		return err
	}

	secret := []byte(cfg.JWTSecret)
	assigner := services.NewAssignService(store, study.Conditions, !cfg.CountAbandoned, cfg.AbandonedAfter())
	participants := services.NewParticipantService(store, assigner, cfg.AbandonedAfter(), cfg.AllowRetakes)
	flowSvc := services.NewFlowService(store, pages)
	responses := services.NewResponseService(store, questionnaires)
	signer := func(ttl time.Duration) (string, error) { return middleware.SignAdminToken(secret, ttl) }
	admin := services.NewAdminService(store, participants, cfg.AdminPasswordHash, signer, study.Conditions)
	sessions := api.NewSessionManager(store, participants)

	mux := http.NewServeMux()
	api.NewRouter(sessions, flowSvc, participants, responses).Register(mux)
	api.NewAdminRouter(admin, responses, store).Register(mux)
	handler := middleware.NoStore(middleware.WithAuth(secret, mux))

	log.Printf("stagehand: study %q with %d conditions, listening on %s", study.Title, len(study.Conditions), cfg.Addr)
	return http.ListenAndServe(cfg.Addr, handler)
}
