package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

type SlackNotifier struct {
	botToken    string
	channel     string
	mentionTeam string
	apiURL      string
	httpClient  *http.Client
}

var _ ports.Notifier = (*SlackNotifier)(nil)

func NewSlackNotifier(botToken, channel, mentionTeam string) *SlackNotifier {
	return &SlackNotifier{
		botToken:    botToken,
		channel:     channel,
		mentionTeam: mentionTeam,
		apiURL:      slackPostMessageURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithAPIURL points the notifier at a different endpoint.
func (s *SlackNotifier) WithAPIURL(url string) *SlackNotifier {
	s.apiURL = url
	return s
}

// NotifyIndicatorShared posts an indicator that just reached the anonymity
// threshold. Only the anonymized view is sent.
func (s *SlackNotifier) NotifyIndicatorShared(ctx context.Context, ind domain.SharedIndicator) error {
	payload := SlackMessage{
		Channel: s.channel,
		Blocks:  s.buildSharedIndicatorBlocks(ind),
		Text: fmt.Sprintf("%s %s indicator now shared by %d organizations",
			severityEmoji(ind.Severity), strings.ToUpper(string(ind.Severity)), ind.ContributingOrgsCount),
	}

	return s.sendMessage(ctx, payload)
}

func severityEmoji(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "🔴"
	case domain.SeverityHigh:
		return "🟠"
	case domain.SeverityMedium:
		return "🟡"
	case domain.SeverityLow:
		return "🟢"
	default:
		return "⚠️"
	}
}

// Build Slack blocks for a newly shared indicator
func (s *SlackNotifier) buildSharedIndicatorBlocks(ind domain.SharedIndicator) []SlackBlock {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: fmt.Sprintf("%s New Shared Threat Indicator", severityEmoji(ind.Severity)),
			},
		},
		{
			Type: "section",
			Fields: []SlackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Indicator*\n`%s`", domain.ShortHash(ind.IndicatorHash))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Type*\n%s", ind.IOCType)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Category*\n%s", ind.ThreatCategory)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Risk*\n%.0f/100", ind.RiskScore)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Confidence*\n%.2f", ind.Confidence)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Organizations*\n%d", ind.ContributingOrgsCount)},
			},
		},
	}

	if len(ind.Metadata) > 0 {
		keys := make([]string, 0, len(ind.Metadata))
		for k := range ind.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("• %s: %s", k, ind.Metadata[k]))
		}
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: "*Context*\n" + strings.Join(lines, "\n")},
		})
	}

	if s.mentionTeam != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: "cc: " + s.mentionTeam},
		})
	}

	return blocks
}

// Send message to Slack
func (s *SlackNotifier) sendMessage(ctx context.Context, msg SlackMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal Slack message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("slack API returned status %d", resp.StatusCode)
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
