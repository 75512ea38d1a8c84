// Package notify tells people when a watched task finishes.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/gosuda/auditwatch/internal/domain"
)

// SlackAPI is the subset of the Slack client the notifier uses.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts one message per terminal task status to a channel.
type SlackNotifier struct {
	api     SlackAPI
	channel string
}

func NewSlackNotifier(api SlackAPI, channel string) *SlackNotifier {
	return &SlackNotifier{api: api, channel: channel}
}

// NewSlackNotifierFromToken builds a notifier backed by the Slack Web API.
func NewSlackNotifierFromToken(token, channel string) *SlackNotifier {
	return NewSlackNotifier(slack.New(token), channel)
}

func (n *SlackNotifier) NotifyTerminal(ctx context.Context, task domain.TaskSnapshot) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(Summary(task), false),
		slack.MsgOptionBlocks(BuildTerminalBlocks(task)...),
	)
	if err != nil {
		return fmt.Errorf("notify.SlackNotifier.NotifyTerminal: %w", err)
	}
	return nil
}

// Summary is the plain-text fallback shown in notifications.
func Summary(task domain.TaskSnapshot) string {
	return fmt.Sprintf("Audit %s %s", task.ID, task.Status)
}

var statusEmoji = map[domain.TaskStatus]string{ //nolint:gochecknoglobals // lookup table
	domain.TaskStatusCompleted: ":white_check_mark:",
	domain.TaskStatusFailed:    ":x:",
	domain.TaskStatusCancelled: ":no_entry_sign:",
}

// BuildTerminalBlocks renders the task outcome as Block Kit sections.
func BuildTerminalBlocks(task domain.TaskSnapshot) []slack.Block {
	var b strings.Builder
	if emoji, ok := statusEmoji[task.Status]; ok {
		b.WriteString(emoji + " ")
	}
	fmt.Fprintf(&b, "*Audit:* `%s`\n*Status:* `%s`", task.ID, task.Status)
	if task.Phase != "" {
		fmt.Fprintf(&b, "\n*Phase:* %s", task.Phase)
	}

	header := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false),
		nil,
		nil,
	)

	stats := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Files scanned*\n%d", task.Stats.FilesScanned), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Findings*\n%d", task.Stats.FindingsDetected), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Verified*\n%d", task.Stats.VerifiedVulnerabilities), false, false),
	}
	fields := slack.NewSectionBlock(nil, stats, nil)

	return []slack.Block{header, fields}
}
