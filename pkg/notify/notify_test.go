package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

func seedFinishedRun(t *testing.T, store storage.Store, runID string) *types.Run {
	t.Helper()
	ctx := context.Background()
	started := time.Now().Add(-5 * time.Minute)
	ended := time.Now()
	run := &types.Run{
		ID:        runID,
		Directive: types.DirectiveSnapshot{Name: "nightly-triage"},
		Status:    types.RunPartial,
		StartedAt: started,
		EndedAt:   &ended,
		CreatedAt: started,
		Tokens:    types.TokenUsage{TotalTokens: 123},
	}
	require.NoError(t, store.CreateRun(ctx, run))

	for _, j := range []struct {
		id     string
		status types.JobStatus
	}{
		{"j1", types.JobSuccess},
		{"j2", types.JobSuccess},
		{"j3", types.JobFailed},
	} {
		require.NoError(t, store.CreateJob(ctx, &types.Job{
			ID: j.id, RunID: runID, TaskKey: types.TaskLogTriage, Status: j.status,
		}))
	}
	return run
}

// recordingSender captures delivered payloads.
type recordingSender struct {
	kind     types.NotificationKind
	payloads []*Payload
	err      error
}

func (r *recordingSender) Kind() types.NotificationKind { return r.kind }
func (r *recordingSender) Send(_ context.Context, _ *types.NotificationTarget, p *Payload) error {
	r.payloads = append(r.payloads, p)
	return r.err
}

func TestNotifyRunDeliversCountsOnlyPayload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFinishedRun(t, store, "run-1")
	require.NoError(t, store.CreateNotificationTarget(ctx, &types.NotificationTarget{
		ID: "t1", Name: "ops", Kind: types.NotifyDiscord, Enabled: true,
	}))

	sender := &recordingSender{kind: types.NotifyDiscord}
	sink := NewSink(store, nil, sender)
	require.NoError(t, sink.NotifyRun(ctx, "run-1"))

	require.Len(t, sender.payloads, 1)
	p := sender.payloads[0]
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, types.RunPartial, p.Status)
	assert.Equal(t, "nightly-triage", p.DirectiveName)
	assert.Equal(t, 3, p.JobsTotal)
	assert.Equal(t, 2, p.JobsCompleted)
	assert.Equal(t, 1, p.JobsFailed)
	assert.Equal(t, 123, p.TotalTokens)

	recs, err := store.ListRunNotificationsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.NotificationSent, recs[0].Status)
	require.NotNil(t, recs[0].SentAt)
}

func TestNotifyRunSkipsDisabledTargets(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFinishedRun(t, store, "run-1")
	require.NoError(t, store.CreateNotificationTarget(ctx, &types.NotificationTarget{
		ID: "t1", Name: "muted", Kind: types.NotifyDiscord, Enabled: false,
	}))

	sender := &recordingSender{kind: types.NotifyDiscord}
	sink := NewSink(store, nil, sender)
	require.NoError(t, sink.NotifyRun(ctx, "run-1"))

	assert.Empty(t, sender.payloads)
	recs, err := store.ListRunNotificationsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFailedDeliveryRecordsTruncatedError(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFinishedRun(t, store, "run-1")
	require.NoError(t, store.CreateNotificationTarget(ctx, &types.NotificationTarget{
		ID: "t1", Name: "ops", Kind: types.NotifyDiscord, Enabled: true,
	}))

	sender := &recordingSender{
		kind: types.NotifyDiscord,
		err:  errors.New(strings.Repeat("x", 2000)),
	}
	sink := NewSink(store, nil, sender)
	require.NoError(t, sink.NotifyRun(ctx, "run-1"))

	recs, err := store.ListRunNotificationsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.NotificationFailed, recs[0].Status)
	assert.Len(t, recs[0].ErrorSummary, errorSummaryLimit)
	assert.Nil(t, recs[0].SentAt)
}

func TestUnmatchedTargetKindRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFinishedRun(t, store, "run-1")
	require.NoError(t, store.CreateNotificationTarget(ctx, &types.NotificationTarget{
		ID: "t1", Name: "mail", Kind: types.NotifyEmail, Enabled: true,
	}))

	sink := NewSink(store, nil, &recordingSender{kind: types.NotifyDiscord})
	require.NoError(t, sink.NotifyRun(ctx, "run-1"))

	recs, err := store.ListRunNotificationsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.NotificationFailed, recs[0].Status)
	assert.Contains(t, recs[0].ErrorSummary, "no sender")
}

func TestRetryFailedRedeliversOldFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFinishedRun(t, store, "run-1")
	require.NoError(t, store.CreateNotificationTarget(ctx, &types.NotificationTarget{
		ID: "t1", Name: "ops", Kind: types.NotifyDiscord, Enabled: true,
	}))
	require.NoError(t, store.CreateRunNotification(ctx, &types.RunNotification{
		ID: "n1", RunID: "run-1", TargetID: "t1",
		Status:       types.NotificationFailed,
		ErrorSummary: "webhook returned 500",
		CreatedAt:    time.Now().Add(-20 * time.Minute),
	}))

	sender := &recordingSender{kind: types.NotifyDiscord}
	sink := NewSink(store, nil, sender)

	retried, err := sink.RetryFailed(ctx, 10*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	require.Len(t, sender.payloads, 1)

	recs, err := store.ListRunNotificationsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.NotificationSent, recs[0].Status)
	assert.Empty(t, recs[0].ErrorSummary)
	require.NotNil(t, recs[0].SentAt)
}

func TestRetryFailedLeavesRecentAndSentAlone(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFinishedRun(t, store, "run-1")
	require.NoError(t, store.CreateNotificationTarget(ctx, &types.NotificationTarget{
		ID: "t1", Name: "ops", Kind: types.NotifyDiscord, Enabled: true,
	}))
	sent := time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateRunNotification(ctx, &types.RunNotification{
		ID: "n1", RunID: "run-1", TargetID: "t1",
		Status: types.NotificationSent, SentAt: &sent,
		CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.CreateRunNotification(ctx, &types.RunNotification{
		ID: "n2", RunID: "run-1", TargetID: "t1",
		Status:    types.NotificationFailed,
		CreatedAt: time.Now().Add(-time.Minute),
	}))

	sender := &recordingSender{kind: types.NotifyDiscord}
	sink := NewSink(store, nil, sender)

	retried, err := sink.RetryFailed(ctx, 10*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, retried)
	assert.Empty(t, sender.payloads)
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ended := time.Now()
	p := &Payload{
		RunID: "run-1", Status: types.RunSuccess, DirectiveName: "nightly-triage",
		JobsTotal: 2, JobsCompleted: 2, TotalTokens: 55, EndedAt: &ended,
	}
	sender := NewDiscordSender()
	err := sender.Send(context.Background(), &types.NotificationTarget{
		Name: "ops", Kind: types.NotifyDiscord, WebhookURL: srv.URL,
	}, p)
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	embed := got.Embeds[0]
	assert.Contains(t, embed.Title, "SUCCESS")
	assert.Equal(t, discordGreen, embed.Color)
	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "2/2 completed", embed.Fields[1].Value)
	assert.Equal(t, "55", embed.Fields[2].Value)
}

func TestDiscordSenderRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender().Send(context.Background(), &types.NotificationTarget{
		Name: "ops", WebhookURL: srv.URL,
	}, &Payload{RunID: "run-1", Status: types.RunFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestEmailSenderBuildsCountsOnlyMessage(t *testing.T) {
	var gotTo []string
	var gotMsg []byte
	sender := NewEmailSender(SMTPConfig{Addr: "relay:25", From: "drover@example.org"})
	sender.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "relay:25", addr)
		assert.Equal(t, "drover@example.org", from)
		gotTo = to
		gotMsg = msg
		return nil
	}

	err := sender.Send(context.Background(), &types.NotificationTarget{
		Name: "oncall", Kind: types.NotifyEmail, Email: "oncall@example.org",
	}, &Payload{
		RunID: "run-1", Status: types.RunFailed, DirectiveName: "nightly-triage",
		JobsTotal: 3, JobsCompleted: 1, JobsFailed: 2, TotalTokens: 77,
		StartedAt: time.Now(), ErrorSummary: "gpu probe failed",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"oncall@example.org"}, gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Run run-1 - FAILED - nightly-triage")
	assert.Contains(t, msg, "Jobs: 1/3 completed, 2 failed")
	assert.Contains(t, msg, "LLM Tokens: 77")
	assert.Contains(t, msg, "Error: gpu probe failed")
}

func TestEmailSenderRequiresAddress(t *testing.T) {
	sender := NewEmailSender(SMTPConfig{Addr: "relay:25"})
	err := sender.Send(context.Background(), &types.NotificationTarget{
		Name: "oncall", Kind: types.NotifyEmail,
	}, &Payload{RunID: "run-1"})
	assert.ErrorIs(t, err, types.ErrValidation)
}
