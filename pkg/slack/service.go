package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrSlackSendFailed is returned when Slack API fails
	ErrSlackSendFailed = errors.New("failed to send Slack notification")
)

// maxListed bounds the per-message list of ids and error samples
const maxListed = 10

// Message represents a Slack message
type Message struct {
	Text string `json:"text"`
}

// SlackClient is an interface for sending Slack notifications
type SlackClient interface {
	SendMessage(ctx context.Context, msg Message) error
}

// WebhookClient implements SlackClient using Slack webhooks
type WebhookClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewWebhookClient creates a new Slack webhook client
func NewWebhookClient(webhookURL string) *WebhookClient {
	return &WebhookClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendMessage sends a message to Slack via webhook
func (c *WebhookClient) SendMessage(ctx context.Context, msg Message) error {
	if c.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ErrSlackSendFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrSlackSendFailed
	}

	return nil
}

// Service handles Slack notifications
type Service struct {
	client SlackClient
}

// NewService creates a new Slack service
func NewService(client SlackClient) *Service {
	return &Service{
		client: client,
	}
}

// IsEnabled returns true if Slack notifications are enabled
func (s *Service) IsEnabled() bool {
	return s != nil && s.client != nil
}

// StageEntry describes an opportunity that just entered a stage
type StageEntry struct {
	OpportunityID int64
	Title         string
	Funnel        string
	Stage         string
	EnteredAt     string
}

// NotifyStageEntry announces an opportunity entering a stage
func (s *Service) NotifyStageEntry(ctx context.Context, e StageEntry) error {
	if !s.IsEnabled() {
		return nil // Silently skip if not enabled
	}

	text := fmt.Sprintf("🎯 *Stage Entry*\n"+
		"• Opportunity: #%d %s\n"+
		"• Funnel: %s\n"+
		"• Stage: %s\n"+
		"• At: %s",
		e.OpportunityID, e.Title, e.Funnel, e.Stage, e.EnteredAt)

	return s.client.SendMessage(ctx, Message{Text: text})
}

// SyncFailure summarizes a sync run that finished with errors
type SyncFailure struct {
	RunID     string
	Mode      string
	Processed int
	Errors    int
	Samples   []string
}

// NotifySyncFailures reports a sync run that recorded errors
func (s *Service) NotifySyncFailures(ctx context.Context, f SyncFailure) error {
	if !s.IsEnabled() {
		return nil
	}

	text := fmt.Sprintf("⚠️ *Sync Finished With Errors*\n"+
		"• Run: %s (%s)\n"+
		"• Processed: %d\n"+
		"• Errors: %d",
		f.RunID, f.Mode, f.Processed, f.Errors)

	if len(f.Samples) > 0 {
		text += "\n" + bulletList(f.Samples)
	}

	return s.client.SendMessage(ctx, Message{Text: text})
}

// DriftStage is one stage below the alert threshold
type DriftStage struct {
	Label          string
	CRMCount       int
	LocalCount     int
	Missing        int
	Stale          int
	SyncPercentage float64
	Error          string
}

// NotifyDrift reports stages whose sync percentage fell below threshold
func (s *Service) NotifyDrift(ctx context.Context, threshold float64, stages []DriftStage) error {
	if !s.IsEnabled() || len(stages) == 0 {
		return nil
	}

	lines := make([]string, 0, len(stages))
	for _, st := range stages {
		if st.Error != "" {
			lines = append(lines, fmt.Sprintf("%s: verification failed (%s)", st.Label, st.Error))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %.2f%% (%d/%d, missing %d, stale %d)",
			st.Label, st.SyncPercentage, st.LocalCount, st.CRMCount, st.Missing, st.Stale))
	}

	text := fmt.Sprintf("📉 *Sync Drift Below %.0f%%*\n%s", threshold, bulletList(lines))

	return s.client.SendMessage(ctx, Message{Text: text})
}

// NotifyReportArchived links an archived drift report
func (s *Service) NotifyReportArchived(ctx context.Context, location string) error {
	if !s.IsEnabled() {
		return nil
	}

	text := fmt.Sprintf("📊 *Drift Report Archived*\n• Location: %s", location)

	return s.client.SendMessage(ctx, Message{Text: text})
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i == maxListed {
			fmt.Fprintf(&b, "• ... and %d more", len(items)-maxListed)
			break
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("• " + item)
	}
	return b.String()
}
