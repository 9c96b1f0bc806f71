package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calyptra/drover/pkg/types"
)

// Discord embed accent colors.
const (
	discordGreen = 3066993
	discordRed   = 15158332
)

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender posts run summaries as webhook embeds.
type DiscordSender struct {
	client *http.Client
}

// NewDiscordSender creates a Discord webhook sender.
func NewDiscordSender() *DiscordSender {
	return &DiscordSender{client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordSender) Kind() types.NotificationKind { return types.NotifyDiscord }

// Send posts the counts-only embed to the target's webhook.
func (d *DiscordSender) Send(ctx context.Context, target *types.NotificationTarget, p *Payload) error {
	if target.WebhookURL == "" {
		return fmt.Errorf("%w: discord target %q has no webhook url", types.ErrValidation, target.Name)
	}

	color := discordRed
	if p.Status == types.RunSuccess {
		color = discordGreen
	}
	embed := discordEmbed{
		Title:       fmt.Sprintf("Run %s - %s", p.RunID, strings.ToUpper(string(p.Status))),
		Description: fmt.Sprintf("Directive: %s", p.DirectiveName),
		Color:       color,
		Fields: []discordField{
			{Name: "Status", Value: string(p.Status), Inline: true},
			{Name: "Jobs", Value: fmt.Sprintf("%d/%d completed", p.JobsCompleted, p.JobsTotal), Inline: true},
			{Name: "LLM Tokens", Value: fmt.Sprintf("%d", p.TotalTokens), Inline: true},
		},
	}
	if p.EndedAt != nil {
		embed.Timestamp = p.EndedAt.UTC().Format(time.RFC3339)
	}
	if p.ErrorSummary != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Error", Value: p.ErrorSummary})
	}

	body, err := json.Marshal(discordMessage{Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned %d", resp.StatusCode)
	}
	return nil
}
