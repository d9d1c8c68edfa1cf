// Package config loads runtime settings from the environment and the
// study definition from its JSON file. Everything here is resolved once
// at startup; a malformed study file stops the server before any
// participant is routed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/quincyfaire/stagehand/internal/flow"
	"github.com/quincyfaire/stagehand/internal/services"
)

// Config holds the runtime knobs.
type Config struct {
	Addr              string `env:"STAGEHAND_ADDR" envDefault:":8080"`
	SQLitePath        string `env:"STAGEHAND_DB" envDefault:"stagehand.db"`
	StudyFile         string `env:"STAGEHAND_STUDY" envDefault:"study.json"`
	QuestionnaireDir  string `env:"STAGEHAND_QUESTIONNAIRES" envDefault:"questionnaires"`
	JWTSecret         string `env:"STAGEHAND_JWT_SECRET" envDefault:"stagehand-dev-secret"`
	AdminPasswordHash string `env:"STAGEHAND_ADMIN_PASSWORD_HASH"`
	AbandonedMinutes  int    `env:"STAGEHAND_ABANDONED_MINUTES" envDefault:"15"`
	CountAbandoned    bool   `env:"STAGEHAND_COUNT_ABANDONED" envDefault:"false"`
	AllowRetakes      bool   `env:"STAGEHAND_ALLOW_RETAKES" envDefault:"false"`
}

// AbandonedAfter is the inactivity threshold as a duration.
func (c *Config) AbandonedAfter() time.Duration {
	return time.Duration(c.AbandonedMinutes) * time.Minute
}

// Load parses the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Study is the experimenter-authored study definition.
type Study struct {
	Title      string          `json:"title"`
	Conditions []services.Arm  `json:"conditions"`
	PageList   []flow.PageSpec `json:"page_list"`
}

// LoadStudy reads and validates the study file, returning the study and
// its resolved page list.
func LoadStudy(path string) (*Study, *flow.PageList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read study file: %w", err)
	}
	var study Study
	if err := json.Unmarshal(data, &study); err != nil {
		return nil, nil, fmt.Errorf("parse study file %s: %w", path, err)
	}
	// A study with arms but none enabled could start, then fail on the
	// first consent. Refuse it here instead.
	if len(study.Conditions) > 0 && !anyEnabled(study.Conditions) {
		return nil, nil, fmt.Errorf("study file %s: all %d conditions are disabled; enable at least one or remove them", path, len(study.Conditions))
	}
	pages, err := flow.NewPageList(study.PageList, len(study.Conditions))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid page list in %s: %w", path, err)
	}
	return &study, pages, nil
}

func anyEnabled(arms []services.Arm) bool {
	for _, arm := range arms {
		if arm.Enabled {
			return true
		}
	}
	return false
}
