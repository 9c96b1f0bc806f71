package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/llm"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

const (
	planModel     = "mistral-7b"
	planMaxTokens = 1500
)

// RepoCopilotPlan generates a change plan for a repository from the
// run's directive config. Plan generation only; branch creation and
// pushes are gated behind higher directive categories and not part of
// this task. Repository tokens stay server-side and never enter
// artifacts.
type RepoCopilotPlan struct {
	store    storage.Store
	llm      *llm.Client
	logsRoot string
	logger   zerolog.Logger
}

// NewRepoCopilotPlan creates the repo plan task.
func NewRepoCopilotPlan(store storage.Store, llmClient *llm.Client, logsRoot string) *RepoCopilotPlan {
	return &RepoCopilotPlan{
		store:    store,
		llm:      llmClient,
		logsRoot: logsRoot,
		logger:   log.WithComponent("task-repo-copilot"),
	}
}

func (t *RepoCopilotPlan) Key() string { return types.TaskRepoCopilotPlan }

// planDocument is the structured plan layout written to plan.json.
type planDocument struct {
	RepoURL    string   `json:"repo_url"`
	BaseBranch string   `json:"base_branch"`
	Goal       string   `json:"goal"`
	Files      []string `json:"files"`
	Edits      []string `json:"edits"`
	Commands   []string `json:"commands"`
	Checks     []string `json:"checks"`
	RiskNotes  []string `json:"risk_notes"`
	Timestamp  string   `json:"timestamp"`
}

// Execute reads repo_url, base_branch and goal from the directive
// config, asks the LLM for a plan, and writes plan.json plus plan.md.
func (t *RepoCopilotPlan) Execute(ctx context.Context, run *types.Run, job *types.Job) (map[string]any, error) {
	cfg := run.Directive.Config
	repoURL := stringConfig(cfg, "repo_url")
	baseBranch := stringConfig(cfg, "base_branch")
	goal := stringConfig(cfg, "goal")
	if repoURL == "" || goal == "" {
		return nil, fmt.Errorf("%w: repo_copilot_plan requires repo_url and goal in directive config", types.ErrValidation)
	}
	if baseBranch == "" {
		baseBranch = "main"
	}

	doc := &planDocument{
		RepoURL:    repoURL,
		BaseBranch: baseBranch,
		Goal:       goal,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	prompt := fmt.Sprintf(
		"Produce a change plan for repository %s (base branch %s).\nGoal: %s\n\n"+
			"Answer with sections FILES, EDITS, COMMANDS, CHECKS, RISKS, one item per line.",
		repoURL, baseBranch, goal)

	resp, err := t.llm.Complete(ctx, run.ID, &llm.Request{
		Model:     planModel,
		Prompt:    prompt,
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}
	if len(resp.Choices) > 0 {
		parsePlanSections(resp.Choices[0].Text, doc)
	}
	if len(doc.RiskNotes) == 0 {
		doc.RiskNotes = []string{"plan generated without repository checkout, verify paths before applying"}
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	if _, err := writeArtifact(ctx, t.store, t.logsRoot, run.ID, "plan.json", types.ArtifactJSON, "application/json", content); err != nil {
		return nil, err
	}
	if _, err := writeArtifact(ctx, t.store, t.logsRoot, run.ID, "plan.md", types.ArtifactMarkdown, "text/markdown", []byte(doc.markdown())); err != nil {
		return nil, err
	}

	return map[string]any{
		"repo_url":    repoURL,
		"base_branch": baseBranch,
		"file_count":  len(doc.Files),
		"edit_count":  len(doc.Edits),
	}, nil
}

// parsePlanSections splits the completion into the plan's list fields.
// Unlabelled lines fall into edits.
func parsePlanSections(text string, doc *planDocument) {
	target := &doc.Edits
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* \t"))
		if line == "" {
			continue
		}
		switch strings.ToUpper(strings.TrimSuffix(line, ":")) {
		case "FILES":
			target = &doc.Files
			continue
		case "EDITS":
			target = &doc.Edits
			continue
		case "COMMANDS":
			target = &doc.Commands
			continue
		case "CHECKS":
			target = &doc.Checks
			continue
		case "RISKS":
			target = &doc.RiskNotes
			continue
		}
		*target = append(*target, line)
	}
}

func (d *planDocument) markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Change Plan\n\nRepository: %s\nBase branch: %s\n\n## Goal\n%s\n", d.RepoURL, d.BaseBranch, d.Goal)
	section := func(title string, items []string) {
		fmt.Fprintf(&b, "\n## %s\n", title)
		if len(items) == 0 {
			b.WriteString("- none\n")
			return
		}
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	section("Files", d.Files)
	section("Edits", d.Edits)
	section("Commands", d.Commands)
	section("Checks", d.Checks)
	section("Risk Notes", d.RiskNotes)
	return b.String()
}

func stringConfig(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}
