package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const studyTemplate = `{
  "title": "My Study",
  "conditions": [
    {"label": "control"},
    {"label": "treatment"}
  ],
  "page_list": [
    {"name": "Consent", "path": "consent"},
    {"name": "Demographics", "path": "questionnaire/demographics"},
    {"conditional_routing": [
      {"condition": 1, "page_list": [
        {"name": "Task", "path": "instructions/task_control"}
      ]},
      {"condition": 2, "page_list": [
        {"name": "Task", "path": "instructions/task_treatment"}
      ]}
    ]},
    {"name": "End", "path": "end"}
  ]
}
`

const questionnaireTemplate = `{
  "title": "Demographics",
  "questions": [
    {"id": "age", "questiontype": "num_field"},
    {"id": "gender", "questiontype": "multiple_choice"},
    {"id": "attention", "questiontype": "radiogrid", "questions": [
      {"id": "attention_1"},
      {"id": "attention_2", "reversed": true}
    ]}
  ]
}
`

const envTemplate = `# stagehand configuration
STAGEHAND_ADDR=:8080
STAGEHAND_DB=stagehand.db
STAGEHAND_STUDY=study.json
STAGEHAND_QUESTIONNAIRES=questionnaires
STAGEHAND_ABANDONED_MINUTES=15
# Generate with: htpasswd -bnBC 10 "" yourpassword | tr -d ':\n'
#STAGEHAND_ADMIN_PASSWORD_HASH=
#STAGEHAND_JWT_SECRET=
`

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a new study",
		Long:  `Write a starter study.json, an example questionnaire, and a .env template into the given directory (default: current directory).`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(filepath.Join(dir, "questionnaires"), 0o755); err != nil {
		return err
	}
	files := map[string]string{
		filepath.Join(dir, "study.json"):                          studyTemplate,
		filepath.Join(dir, "questionnaires", "demographics.json"): questionnaireTemplate,
		filepath.Join(dir, ".env"):                                envTemplate,
	}
	for path, content := range files {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "skipping %s (already exists)\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	}
	return nil
}
