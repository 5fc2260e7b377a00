package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackEmitter posts a Block Kit summary of each trigger to a channel
type SlackEmitter struct {
	botToken   string
	channel    string
	endpoint   string
	httpClient *http.Client
}

// NewSlackEmitter creates a SlackEmitter
func NewSlackEmitter(botToken, channel string) *SlackEmitter {
	return &SlackEmitter{
		botToken: botToken,
		channel:  channel,
		endpoint: slackPostMessageURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Emit sends the trigger summary
func (s *SlackEmitter) Emit(ctx context.Context, eventName string, payload domain.TriggerPayload) error {
	alert := payload.Source

	msg := SlackMessage{
		Channel: s.channel,
		Blocks:  s.buildTriggerBlocks(eventName, payload),
		Text:    fmt.Sprintf("Alert %s crossed its event threshold (%s)", alertLabel(alert), payload.TriggerContext.Reason),
	}

	return s.sendMessage(ctx, msg)
}

// Build Slack blocks for a threshold trigger
func (s *SlackEmitter) buildTriggerBlocks(eventName string, payload domain.TriggerPayload) []SlackBlock {
	alert := payload.Source
	tc := payload.TriggerContext

	ruleName := alert.Rule.Name
	if ruleName == "" {
		ruleName = "unknown"
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: "Alert Threshold Met",
			},
		},
		{
			Type: "section",
			Fields: []SlackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Alert*\n`%s`", alertLabel(alert))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Rule*\n%s", ruleName)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Reason*\n%s", strings.ReplaceAll(tc.Reason, ",", ", "))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Events*\n%d (+%d since last trigger)", tc.CurrentCount, tc.NewEvents)},
			},
		},
	}

	footer := fmt.Sprintf("%s | trigger `%s`", eventName, tc.TriggerID)
	if tc.TimeWindowHours != nil {
		footer += fmt.Sprintf(" | window %dh", *tc.TimeWindowHours)
	}
	blocks = append(blocks,
		SlackBlock{Type: "divider"},
		SlackBlock{
			Type:     "context",
			Elements: []SlackText{{Type: "mrkdwn", Text: footer}},
		},
	)

	return blocks
}

func alertLabel(alert domain.Alert) string {
	if alert.ShortID != "" {
		return alert.ShortID
	}
	return alert.UID
}

// Send message to Slack
func (s *SlackEmitter) sendMessage(ctx context.Context, msg SlackMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	// chat.postMessage reports failures in the body with a 200
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode Slack response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack API error: %s", result.Error)
	}

	return nil
}

// Slack API structures

type SlackMessage struct {
	Channel string       `json:"channel"`
	Blocks  []SlackBlock `json:"blocks"`
	Text    string       `json:"text"` // Fallback text
}

type SlackBlock struct {
	Type     string      `json:"type"`
	Text     *SlackText  `json:"text,omitempty"`
	Fields   []SlackText `json:"fields,omitempty"`
	Elements []SlackText `json:"elements,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
