package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/llm"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

const (
	triageModel     = "mistral-7b"
	triageMaxTokens = 500
	triageTailLines = 200
	// triagePromptLimit caps how much log text goes into one prompt.
	triagePromptLimit = 5000
)

// LogTriage collects logs from allowlisted containers, summarizes them
// through the LLM endpoint, and writes a markdown report artifact.
type LogTriage struct {
	store     storage.Store
	llm       *llm.Client
	collector LogCollector
	logsRoot  string
	logger    zerolog.Logger
}

// NewLogTriage creates the log triage task.
func NewLogTriage(store storage.Store, llmClient *llm.Client, collector LogCollector, logsRoot string) *LogTriage {
	return &LogTriage{
		store:     store,
		llm:       llmClient,
		collector: collector,
		logsRoot:  logsRoot,
		logger:    log.WithComponent("task-log-triage"),
	}
}

func (t *LogTriage) Key() string { return types.TaskLogTriage }

// Execute gathers logs, runs the triage summary, and writes report.md.
// Containers that fail to yield logs are skipped; an empty harvest
// still produces a report.
func (t *LogTriage) Execute(ctx context.Context, run *types.Run, job *types.Job) (map[string]any, error) {
	containers, err := t.store.ListAllowedContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list allowed containers: %w", err)
	}

	var sections []string
	collected := 0
	for _, c := range containers {
		if !c.Enabled {
			continue
		}
		logs, cerr := t.collector.Collect(ctx, c.ContainerID, triageTailLines)
		if cerr != nil {
			t.logger.Warn().Err(cerr).Str("container_id", c.ContainerID).Msg("log collection failed, skipping container")
			continue
		}
		if strings.TrimSpace(logs) == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("# Container: %s\n%s", c.Name, logs))
		collected++
	}

	if collected == 0 {
		report := "# Log Analysis Report\n\nNo logs available.\n"
		if _, err := writeArtifact(ctx, t.store, t.logsRoot, run.ID, "report.md", types.ArtifactMarkdown, "text/markdown", []byte(report)); err != nil {
			return nil, err
		}
		return map[string]any{"log_sources": 0, "analysis": "skipped"}, nil
	}

	analysis, analysisOK := t.analyze(ctx, run.ID, strings.Join(sections, "\n"))

	report := fmt.Sprintf("# Log Analysis Report\n\n## Analysis\n%s\n\n## Sources\n- Containers analyzed: %d\n", analysis, collected)
	if _, err := writeArtifact(ctx, t.store, t.logsRoot, run.ID, "report.md", types.ArtifactMarkdown, "text/markdown", []byte(report)); err != nil {
		return nil, err
	}

	return map[string]any{
		"log_sources":        collected,
		"analysis_succeeded": analysisOK,
	}, nil
}

// analyze summarizes the log text. LLM failures degrade to a stub
// summary rather than failing the job; the failed call is still
// ledgered by the client.
func (t *LogTriage) analyze(ctx context.Context, runID, logs string) (string, bool) {
	if len(logs) > triagePromptLimit {
		logs = logs[:triagePromptLimit]
	}
	prompt := "Analyze the following container logs and identify:\n" +
		"1. Critical errors\n2. Warnings\n3. Performance issues\n4. Security concerns\n\n" +
		"Logs:\n" + logs + "\n\nProvide a brief summary."

	resp, err := t.llm.Complete(ctx, runID, &llm.Request{
		Model:     triageModel,
		Prompt:    prompt,
		MaxTokens: triageMaxTokens,
	})
	if err != nil {
		t.logger.Warn().Err(err).Str("run_id", runID).Msg("llm analysis failed")
		return "Analysis unavailable (LLM error)", false
	}
	if len(resp.Choices) == 0 {
		return "Analysis completed", true
	}
	return resp.Choices[0].Text, true
}
