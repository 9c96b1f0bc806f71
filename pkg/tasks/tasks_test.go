package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/llm"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

type cannedCollector struct {
	logs map[string]string
	errs map[string]error
}

func (c *cannedCollector) Collect(ctx context.Context, containerID string, tail int) (string, error) {
	if err, ok := c.errs[containerID]; ok {
		return "", err
	}
	return c.logs[containerID], nil
}

func llmStub(t *testing.T, text string, usage llm.Usage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llm.Response{
			Choices: []llm.Choice{{Text: text, FinishReason: "stop"}},
			Usage:   usage,
		})
	}))
}

func allowContainer(t *testing.T, store storage.Store, id, name string, enabled bool) {
	t.Helper()
	require.NoError(t, store.UpsertAllowedContainer(context.Background(), &types.AllowedContainer{
		ContainerID: id,
		Name:        name,
		Enabled:     enabled,
		CreatedAt:   time.Now(),
	}))
}

func TestRegistryResolvesByKey(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := NewRegistry()
	reg.Register(NewServiceMap(store, t.TempDir()))

	task, err := reg.Get(types.TaskServiceMap)
	require.NoError(t, err)
	assert.Equal(t, types.TaskServiceMap, task.Key())

	_, err = reg.Get("unknown")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLogTriageProducesReport(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	server := llmStub(t, "One timeout error in api container.", llm.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52})
	defer server.Close()

	logsRoot := t.TempDir()
	allowContainer(t, store, "c1", "api", true)
	allowContainer(t, store, "c2", "db", true)
	allowContainer(t, store, "c3", "ignored", false)

	collector := &cannedCollector{
		logs: map[string]string{"c1": "ERROR timeout\n", "c2": "ready\n"},
	}
	task := NewLogTriage(store, llm.NewClient(server.URL, store), collector, logsRoot)
	run := &types.Run{ID: "run-1"}

	result, err := task.Execute(ctx, run, &types.Job{ID: "job-1", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, result["log_sources"])
	assert.Equal(t, true, result["analysis_succeeded"])

	content, err := os.ReadFile(filepath.Join(logsRoot, "runs", "run-1", "report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "One timeout error")

	artifacts, err := store.ListArtifactsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, types.ArtifactMarkdown, artifacts[0].Kind)
	assert.Equal(t, filepath.Join("runs", "run-1", "report.md"), artifacts[0].Path)

	usage, err := store.SumTokensByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 52, usage.TotalTokens)
}

func TestLogTriageSkipsFailingContainers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logsRoot := t.TempDir()

	allowContainer(t, store, "c1", "api", true)
	collector := &cannedCollector{errs: map[string]error{"c1": errors.New("gone")}}

	task := NewLogTriage(store, llm.NewClient("http://unused", store), collector, logsRoot)
	result, err := task.Execute(ctx, &types.Run{ID: "run-1"}, &types.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, result["log_sources"])

	content, err := os.ReadFile(filepath.Join(logsRoot, "runs", "run-1", "report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "No logs available")
}

func TestGPUReportFlagsHotspots(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logsRoot := t.TempDir()

	require.NoError(t, store.CreateWorkerHost(ctx, &types.WorkerHost{
		ID: "h1", Name: "host-1", Kind: types.HostLocalSocket,
		BaseURL: "unix:///var/run/docker.sock", Enabled: true,
	}))
	require.NoError(t, store.UpsertGPUState(ctx, &types.GPUState{
		HostID: "h1", GPUID: "gpu-0", TotalVRAMMB: 24000, FreeVRAMMB: 2000,
		UsedVRAMMB: 22000, Utilization: 95, Available: true, LastUpdated: time.Now(),
	}))
	require.NoError(t, store.UpsertGPUState(ctx, &types.GPUState{
		HostID: "h1", GPUID: "gpu-1", TotalVRAMMB: 24000, FreeVRAMMB: 20000,
		UsedVRAMMB: 4000, Utilization: 15, Available: true, LastUpdated: time.Now(),
	}))

	task := NewGPUReport(store, logsRoot)
	result, err := task.Execute(ctx, &types.Run{ID: "run-1"}, &types.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, result["gpu_count"])
	assert.Equal(t, 1, result["hotspots"])

	content, err := os.ReadFile(filepath.Join(logsRoot, "runs", "run-1", "gpu_report.json"))
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal(content, &report))
	assert.Equal(t, "success", report["status"])
	assert.Len(t, report["hotspots"], 1)
}

func TestGPUReportHandlesEmptyFleet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logsRoot := t.TempDir()

	task := NewGPUReport(store, logsRoot)
	result, err := task.Execute(ctx, &types.Run{ID: "run-1"}, &types.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "no_gpus_available", result["status"])
}

func TestServiceMapExcludesDisabled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logsRoot := t.TempDir()

	allowContainer(t, store, "c1", "api", true)
	allowContainer(t, store, "c2", "legacy", false)

	task := NewServiceMap(store, logsRoot)
	result, err := task.Execute(ctx, &types.Run{ID: "run-1"}, &types.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result["service_count"])

	content, err := os.ReadFile(filepath.Join(logsRoot, "runs", "run-1", "services.json"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "api")
	assert.NotContains(t, string(content), "legacy")
}

func TestRepoCopilotPlanParsesSections(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logsRoot := t.TempDir()

	server := llmStub(t, "FILES:\nmain.go\nEDITS:\nadd retry loop\nCOMMANDS:\ngo test ./...\nCHECKS:\nci green\nRISKS:\nretry may mask outages",
		llm.Usage{PromptTokens: 100, CompletionTokens: 80, TotalTokens: 180})
	defer server.Close()

	task := NewRepoCopilotPlan(store, llm.NewClient(server.URL, store), logsRoot)
	run := &types.Run{
		ID: "run-1",
		Directive: types.DirectiveSnapshot{
			Name: "D1 Plan Only",
			Config: map[string]any{
				"repo_url":    "https://example.com/acme/svc.git",
				"base_branch": "main",
				"goal":        "add retries to the fetcher",
			},
		},
	}

	result, err := task.Execute(ctx, run, &types.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result["file_count"])
	assert.Equal(t, 1, result["edit_count"])

	content, err := os.ReadFile(filepath.Join(logsRoot, "runs", "run-1", "plan.json"))
	require.NoError(t, err)

	var doc planDocument
	require.NoError(t, json.Unmarshal(content, &doc))
	assert.Equal(t, []string{"main.go"}, doc.Files)
	assert.Equal(t, []string{"retry may mask outages"}, doc.RiskNotes)

	artifacts, err := store.ListArtifactsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestRepoCopilotPlanRequiresConfig(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	task := NewRepoCopilotPlan(store, llm.NewClient("http://unused", store), t.TempDir())
	_, err := task.Execute(ctx, &types.Run{ID: "run-1"}, &types.Job{ID: "job-1"})
	assert.ErrorIs(t, err, types.ErrValidation)
}
