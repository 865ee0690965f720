package reasoning

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxResponses bounds how many notifications of a batch the agent is
// invited to answer.
const DefaultMaxResponses = 3

var separator = strings.Repeat("=", 72)

// BatchPromptInput carries pre-rendered context for RenderBatchPrompt.
type BatchPromptInput struct {
	ContextTree string
	// EarlierYAML renders Batch.Earlier, ContextYAML renders Batch.Fresh.
	EarlierYAML string
	ContextYAML string
}

// RenderBatchPrompt builds the instruction text of a batch.
func RenderBatchPrompt(b Batch, in BatchPromptInput) string {
	maxN := b.MaxResponses
	if maxN <= 0 {
		maxN = DefaultMaxResponses
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "This is a HIGH-TRAFFIC THREAD that produced %d notifications while it was held.\n\n", len(b.Notifications))

	section(&sb, "1. THREAD CONTEXT")
	if b.ReviewedCount > 0 {
		fmt.Fprintf(&sb, "Previously reviewed: %d posts already shown in an earlier batch.\n", b.ReviewedCount)
		if b.ReviewedSummary != "" {
			sb.WriteString(b.ReviewedSummary)
			sb.WriteString("\n")
		}
		sb.WriteString("\nNew since last review:\n")
	}
	if in.ContextTree == "" && in.EarlierYAML == "" && in.ContextYAML == "" {
		sb.WriteString("(No new context posts)\n")
	}
	if in.ContextTree != "" {
		sb.WriteString("Tree View:\n")
		sb.WriteString(in.ContextTree)
		sb.WriteString("\n")
	}
	if in.EarlierYAML != "" {
		sb.WriteString("Earlier context (before the first notification):\n")
		sb.WriteString(in.EarlierYAML)
		sb.WriteString("\n")
	}
	if in.ContextYAML != "" {
		sb.WriteString("Posted during this batch:\n")
		sb.WriteString(in.ContextYAML)
	}
	sb.WriteString("\n")

	section(&sb, fmt.Sprintf("2. NOTIFICATIONS (%d posts)", len(b.Notifications)))
	for i, n := range b.Notifications {
		if i > 0 {
			sb.WriteString("\n")
		}
		writeNotification(&sb, i+1, n)
	}
	sb.WriteString("\n")

	section(&sb, "RESPONSE INSTRUCTIONS")
	sb.WriteString("- Review THREAD CONTEXT to understand the conversation so far\n")
	fmt.Fprintf(&sb, "- You received %d NOTIFICATIONS that might warrant a response\n", len(b.Notifications))
	fmt.Fprintf(&sb, "- Respond to 0-%d notifications depending on what is worth answering\n", maxN)
	sb.WriteString("- Reply using the URI listed under the notification you answer\n")
	return sb.String()
}

// RenderSinglePrompt builds the instruction text of one notification.
func RenderSinglePrompt(s Single) string {
	var sb strings.Builder
	n := s.Notification
	fmt.Fprintf(&sb, "You received a %s from @%s.\n\n", n.Class, n.Author)
	if s.ThreadYAML != "" {
		section(&sb, "THREAD CONTEXT")
		sb.WriteString(s.ThreadYAML)
		sb.WriteString("\n")
	}
	section(&sb, "NOTIFICATION")
	writeNotification(&sb, 1, n)
	if n.TargetURI != "" && n.TargetURI != n.EventID {
		fmt.Fprintf(&sb, "\nThe author continued in later posts; reply to the last part: %s\n", n.TargetURI)
	}
	return sb.String()
}

func section(sb *strings.Builder, title string) {
	sb.WriteString(separator)
	sb.WriteString("\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(separator)
	sb.WriteString("\n\n")
}

func writeNotification(sb *strings.Builder, idx int, n Notification) {
	fmt.Fprintf(sb, "[Notification %d] @%s (%s) - Received: %s\n", idx, n.Author, n.Class, n.At.UTC().Format(time.RFC3339))
	for k, p := range n.Parts {
		fmt.Fprintf(sb, "  [Part %d by same author]: %q (Posted: %s)\n", k+1, p.Text, p.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(sb, "  Post: %q\n", n.Text)
	fmt.Fprintf(sb, "  URI: %s\n", n.TargetURI)
}
