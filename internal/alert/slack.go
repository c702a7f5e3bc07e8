package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	"funding_arb/internal/core"
	apphttp "funding_arb/pkg/http"
)

// slack section blocks accept at most ten fields
const slackMaxFields = 10

var levelEmoji = map[core.AlertLevel]string{
	core.AlertLevelInfo:     ":information_source:",
	core.AlertLevelWarning:  ":warning:",
	core.AlertLevelError:    ":x:",
	core.AlertLevelCritical: ":rotating_light:",
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackPayload struct {
	// Text is the notification fallback
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// SlackChannel posts Block Kit messages to an incoming webhook
type SlackChannel struct {
	webhookURL string
	client     *apphttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, client: newChannelClient()}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}
	_, err := s.client.Post(ctx, s.webhookURL, slackMessage(alert))
	return err
}

func slackMessage(a AlertPayload) slackPayload {
	headline := fmt.Sprintf("%s [%s] %s", levelEmoji[a.Level], a.Level, a.Title)
	msg := slackPayload{
		Text:   headline,
		Blocks: []slackBlock{{Type: "header", Text: &slackText{Type: "plain_text", Text: headline}}},
	}
	if a.Message != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: a.Message}})
	}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for len(keys) > 0 {
		n := min(len(keys), slackMaxFields)
		block := slackBlock{Type: "section"}
		for _, k := range keys[:n] {
			block.Fields = append(block.Fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", k, formatField(a.Fields[k]))})
		}
		msg.Blocks = append(msg.Blocks, block)
		keys = keys[n:]
	}

	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg.Blocks = append(msg.Blocks, slackBlock{
		Type:     "context",
		Elements: []slackText{{Type: "mrkdwn", Text: "funding_arb | " + ts.UTC().Format(time.RFC3339)}},
	})
	return msg
}
