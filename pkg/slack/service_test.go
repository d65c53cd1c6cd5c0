package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSlackClient simulates Slack webhook API
type MockSlackClient struct {
	shouldFail bool
	messages   []Message
}

func (m *MockSlackClient) SendMessage(ctx context.Context, msg Message) error {
	if m.shouldFail {
		return ErrSlackSendFailed
	}
	m.messages = append(m.messages, msg)
	return nil
}

func TestStageEntryNotification(t *testing.T) {
	client := &MockSlackClient{}
	service := NewService(client)

	t.Run("Success - Send stage entry notification", func(t *testing.T) {
		err := service.NotifyStageEntry(context.Background(), StageEntry{
			OpportunityID: 42,
			Title:         "Clínica Sorriso",
			Funnel:        "Compra",
			Stage:         "Orçamento",
			EnteredAt:     "2025-12-15T08:00:00",
		})

		require.NoError(t, err)
		assert.Len(t, client.messages, 1)

		msg := client.messages[0]
		assert.Contains(t, msg.Text, "Stage Entry")
		assert.Contains(t, msg.Text, "#42 Clínica Sorriso")
		assert.Contains(t, msg.Text, "Compra")
		assert.Contains(t, msg.Text, "Orçamento")
	})

	t.Run("Failure - Slack API error", func(t *testing.T) {
		failingService := NewService(&MockSlackClient{shouldFail: true})

		err := failingService.NotifyStageEntry(context.Background(), StageEntry{OpportunityID: 1})

		require.Error(t, err)
		assert.Equal(t, ErrSlackSendFailed, err)
	})
}

func TestSyncFailureNotification(t *testing.T) {
	t.Run("Success - Lists error samples", func(t *testing.T) {
		client := &MockSlackClient{}
		service := NewService(client)

		err := service.NotifySyncFailures(context.Background(), SyncFailure{
			RunID:     "run-1",
			Mode:      "today",
			Processed: 120,
			Errors:    2,
			Samples:   []string{"#7 update: timeout", "stage 82 fetch_page: http 502"},
		})

		require.NoError(t, err)
		msg := client.messages[0]
		assert.Contains(t, msg.Text, "run-1 (today)")
		assert.Contains(t, msg.Text, "Errors: 2")
		assert.Contains(t, msg.Text, "• stage 82 fetch_page: http 502")
	})

	t.Run("Success - Long sample lists are cut", func(t *testing.T) {
		client := &MockSlackClient{}
		service := NewService(client)

		samples := make([]string, 15)
		for i := range samples {
			samples[i] = fmt.Sprintf("#%d failed", i)
		}
		err := service.NotifySyncFailures(context.Background(), SyncFailure{RunID: "r", Errors: 15, Samples: samples})

		require.NoError(t, err)
		assert.Contains(t, client.messages[0].Text, "and 5 more")
		assert.NotContains(t, client.messages[0].Text, "#12 failed")
	})
}

func TestDriftNotification(t *testing.T) {
	t.Run("Success - Send drift alert", func(t *testing.T) {
		client := &MockSlackClient{}
		service := NewService(client)

		err := service.NotifyDrift(context.Background(), 98, []DriftStage{
			{Label: "Compra / Orçamento", CRMCount: 10, LocalCount: 9, Missing: 1, Stale: 1, SyncPercentage: 90},
			{Label: "Recompra / Entrada", Error: "page 2 failed"},
		})

		require.NoError(t, err)
		msg := client.messages[0]
		assert.Contains(t, msg.Text, "Below 98%")
		assert.Contains(t, msg.Text, "Compra / Orçamento: 90.00% (9/10, missing 1, stale 1)")
		assert.Contains(t, msg.Text, "verification failed (page 2 failed)")
	})

	t.Run("Success - Nothing to report sends nothing", func(t *testing.T) {
		client := &MockSlackClient{}
		service := NewService(client)

		require.NoError(t, service.NotifyDrift(context.Background(), 98, nil))
		assert.Empty(t, client.messages)
	})
}

func TestWebhookClient_SendMessage(t *testing.T) {
	t.Run("Success - Posts JSON payload", func(t *testing.T) {
		var got Message
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		err := NewWebhookClient(server.URL).SendMessage(context.Background(), Message{Text: "hello"})

		require.NoError(t, err)
		assert.Equal(t, "hello", got.Text)
	})

	t.Run("Failure - Non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		err := NewWebhookClient(server.URL).SendMessage(context.Background(), Message{Text: "hello"})
		assert.Equal(t, ErrSlackSendFailed, err)
	})

	t.Run("Failure - Missing URL", func(t *testing.T) {
		err := NewWebhookClient("").SendMessage(context.Background(), Message{Text: "hello"})
		assert.Error(t, err)
	})
}

func TestIsEnabled(t *testing.T) {
	t.Run("Enabled when client is provided", func(t *testing.T) {
		service := NewService(&MockSlackClient{})

		assert.True(t, service.IsEnabled())
	})

	t.Run("Disabled when client is nil", func(t *testing.T) {
		service := NewService(nil)

		assert.False(t, service.IsEnabled())
		assert.NoError(t, service.NotifyStageEntry(context.Background(), StageEntry{}))
	})
}
