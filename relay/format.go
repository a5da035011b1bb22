package relay

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"aim-bot/annotation"
	"aim-bot/storage"
)

const spinner = "⏳"

// PostURL turns a protocol-relative post link into an absolute URL.
func PostURL(link string) string {
	if strings.HasPrefix(link, "//") {
		return "https:" + link
	}
	return link
}

// FormatReport formats a relayed report for display in Telegram.
func FormatReport(r *storage.Report) string {
	title := html.EscapeString(r.Title)
	if title == "" {
		title = html.EscapeString(r.PostLink)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 <b>%s</b>\n", html.EscapeString(r.Reason))
	fmt.Fprintf(&sb, "<a href=\"%s\">%s</a>", html.EscapeString(PostURL(r.PostLink)), title)
	if r.Author != "" || r.Site != "" {
		sb.WriteString("\n")
		if r.Author != "" {
			fmt.Fprintf(&sb, "by %s ", html.EscapeString(r.Author))
		}
		if r.Site != "" {
			fmt.Fprintf(&sb, "on %s", html.EscapeString(r.Site))
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

// FormatAnnotation renders the annotation line for st. A state that has not
// received any payload yet renders as a spinner.
func FormatAnnotation(st annotation.State) string {
	if !st.Loaded {
		return spinner
	}

	var parts []string
	if st.Deleted {
		parts = append(parts, "🗑 deleted")
	}
	if st.Flagged {
		flags := fmt.Sprintf("⚑ %d", len(st.FlaggedUsers))
		if names := st.FlaggerNames(); len(names) > 0 {
			escaped := make([]string, len(names))
			for i, n := range names {
				escaped[i] = html.EscapeString(n)
			}
			flags += " (" + strings.Join(escaped, ", ") + ")"
		}
		parts = append(parts, flags)
	}
	for _, g := range st.Feedback() {
		parts = append(parts, fmt.Sprintf("%s %d", g.Category, g.Count))
	}
	if st.WeightKnown {
		parts = append(parts, "• "+strconv.FormatFloat(st.ReasonWeight, 'f', -1, 64))
	}
	return strings.Join(parts, " | ")
}

// Message is the full Telegram text for a report carrying st.
func Message(r *storage.Report, st annotation.State) string {
	text := FormatReport(r)
	if line := FormatAnnotation(st); line != "" {
		text += "\n\n" + line
	}
	return text
}
