package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"aim-bot/annotation"
	"aim-bot/metasmoke"
	"aim-bot/relay"
	"aim-bot/storage"
)

// MessageSender sends messages to Telegram.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error)
}

// AnnotationLookup returns the merged state of an identifier.
type AnnotationLookup interface {
	Get(id annotation.Identifier) (annotation.State, bool)
}

// ReportStore reads relayed reports.
type ReportStore interface {
	GetReportByLink(ctx context.Context, link string) (*storage.Report, error)
	CountReports(ctx context.Context) (int, error)
}

// QueueStats reports reconciler counters.
type QueueStats interface {
	PendingCount() int
	ResolvedCount() int
}

// MetasmokeWriter performs authenticated metasmoke writes.
type MetasmokeWriter interface {
	CanWrite() bool
	GetPostByURL(ctx context.Context, link string, opts ...metasmoke.GetPostOption) (*metasmoke.Post, error)
	SendFeedback(ctx context.Context, id int64, feedbackType string) ([]metasmoke.Feedback, error)
	SpamFlag(ctx context.Context, id int64) (time.Duration, error)
	ReportPost(ctx context.Context, link string) error
}

// RequestSink receives decoration requests produced by commands.
type RequestSink interface {
	Request(id annotation.Identifier, p annotation.Payload)
}

// feedbackTypes lists the feedback types metasmoke accepts.
var feedbackTypes = map[string]bool{
	"tpu-":    true,
	"tp-":     true,
	"fpu-":    true,
	"fp-":     true,
	"naa-":    true,
	"ignore-": true,
}

const helpText = "AIM relay bot 🚨\n\n" +
	"Commands:\n" +
	"/status <post link> - Show metasmoke annotations for a post\n" +
	"/feedback <ms id|post link> <type> - Send feedback (tpu-, tp-, fpu-, fp-, naa-, ignore-)\n" +
	"/flag <ms id|post link> - Cast a spam flag through metasmoke\n" +
	"/report <post url> - Ask SmokeDetector to scan a post\n" +
	"/stats - Show relay statistics"

// CommandHandler handles bot commands.
type CommandHandler struct {
	sender  MessageSender
	states  AnnotationLookup
	reports ReportStore
	queue   QueueStats
	writer  MetasmokeWriter
	sink    RequestSink
	allowed map[int64]bool
}

// Option configures a CommandHandler.
type Option func(*CommandHandler)

// WithAllowedChats restricts commands to the given chats.
func WithAllowedChats(ids ...int64) Option {
	return func(h *CommandHandler) {
		for _, id := range ids {
			if id != 0 {
				h.allowed[id] = true
			}
		}
	}
}

// WithRequestSink feeds feedback returned by metasmoke back into the merge.
func WithRequestSink(s RequestSink) Option {
	return func(h *CommandHandler) {
		h.sink = s
	}
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	sender MessageSender,
	states AnnotationLookup,
	reports ReportStore,
	queue QueueStats,
	writer MetasmokeWriter,
	opts ...Option,
) *CommandHandler {
	h := &CommandHandler{
		sender:  sender,
		states:  states,
		reports: reports,
		queue:   queue,
		writer:  writer,
		allowed: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle routes a message text to its command. Messages that are not
// commands, and messages from chats outside the allow list, are ignored.
func (h *CommandHandler) Handle(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	if len(h.allowed) > 0 && !h.allowed[chatID] {
		return nil
	}

	cmd, args, _ := strings.Cut(text, " ")
	// Strip the @botname suffix Telegram adds in groups.
	cmd, _, _ = strings.Cut(cmd, "@")
	args = strings.TrimSpace(args)

	switch strings.ToLower(cmd) {
	case "/start", "/help":
		return h.HandleStart(ctx, chatID)
	case "/status":
		return h.HandleStatus(ctx, chatID, args)
	case "/feedback":
		return h.HandleFeedback(ctx, chatID, args)
	case "/flag":
		return h.HandleFlag(ctx, chatID, args)
	case "/report":
		return h.HandleReport(ctx, chatID, args)
	case "/stats":
		return h.HandleStats(ctx, chatID)
	default:
		return nil
	}
}

// HandleStart handles the /start command.
func (h *CommandHandler) HandleStart(ctx context.Context, chatID int64) error {
	return h.reply(ctx, chatID, helpText)
}

// HandleStatus shows the annotation line for a post.
func (h *CommandHandler) HandleStatus(ctx context.Context, chatID int64, args string) error {
	if args == "" {
		return h.reply(ctx, chatID, "Usage: /status <post link>")
	}
	id := Identifier(args)

	var sb strings.Builder
	report, err := h.reports.GetReportByLink(ctx, string(id))
	switch {
	case err == nil:
		sb.WriteString(relay.FormatReport(report))
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintf(&sb, "<a href=\"%s\">%s</a> has not been relayed", html.EscapeString(relay.PostURL(string(id))), html.EscapeString(string(id)))
	default:
		return fmt.Errorf("lookup report: %w", err)
	}

	st, ok := h.states.Get(id)
	if !ok {
		sb.WriteString("\n\nNo metasmoke data yet.")
	} else if line := relay.FormatAnnotation(st); line != "" {
		sb.WriteString("\n\n" + line)
	}

	_, err = h.sender.SendMessage(ctx, chatID, sb.String(), true)
	return err
}

// HandleFeedback sends feedback on a metasmoke post.
func (h *CommandHandler) HandleFeedback(ctx context.Context, chatID int64, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return h.reply(ctx, chatID, "Usage: /feedback <ms id> <type>")
	}
	feedbackType := strings.ToLower(fields[1])
	if !validPostRef(fields[0]) || !feedbackTypes[feedbackType] {
		return h.reply(ctx, chatID, "Usage: /feedback <ms id> <type>\nTypes: tpu-, tp-, fpu-, fp-, naa-, ignore-")
	}
	if !h.writer.CanWrite() {
		return h.reply(ctx, chatID, "Metasmoke writes are disabled: no write token configured.")
	}
	postID, err := h.resolvePostID(ctx, fields[0])
	if err != nil {
		h.reply(ctx, chatID, "❌ Unknown post: "+describe(err))
		return err
	}

	items, err := h.writer.SendFeedback(ctx, postID, feedbackType)
	if err != nil {
		h.reply(ctx, chatID, "❌ Feedback failed: "+describe(err))
		return fmt.Errorf("send feedback: %w", err)
	}
	h.forward(items)

	return h.reply(ctx, chatID, fmt.Sprintf("✅ Feedback %s sent on post %d", feedbackType, postID))
}

// forward merges feedback echoed by metasmoke without waiting for the
// websocket or the next resync.
func (h *CommandHandler) forward(items []metasmoke.Feedback) {
	if h.sink == nil {
		return
	}
	byLink := make(map[string][]metasmoke.Feedback)
	var order []string
	for _, f := range items {
		if f.PostLink == "" {
			continue
		}
		if _, ok := byLink[f.PostLink]; !ok {
			order = append(order, f.PostLink)
		}
		byLink[f.PostLink] = append(byLink[f.PostLink], f)
	}
	for _, link := range order {
		h.sink.Request(annotation.Identifier(link), metasmoke.FeedbackPayload(byLink[link]))
	}
}

// HandleFlag casts a spam flag through metasmoke.
func (h *CommandHandler) HandleFlag(ctx context.Context, chatID int64, args string) error {
	if !validPostRef(args) {
		return h.reply(ctx, chatID, "Usage: /flag <ms id>")
	}
	if !h.writer.CanWrite() {
		return h.reply(ctx, chatID, "Metasmoke writes are disabled: no write token configured.")
	}
	postID, err := h.resolvePostID(ctx, args)
	if err != nil {
		h.reply(ctx, chatID, "❌ Unknown post: "+describe(err))
		return err
	}

	wait, err := h.writer.SpamFlag(ctx, postID)
	if err != nil {
		h.reply(ctx, chatID, "❌ Flag failed: "+describe(err))
		return fmt.Errorf("spam flag: %w", err)
	}

	msg := fmt.Sprintf("✅ Spam flag cast on post %d", postID)
	if wait > 0 {
		msg += fmt.Sprintf("\nNext flag allowed in %s", wait.Round(time.Second))
	}
	return h.reply(ctx, chatID, msg)
}

// HandleReport asks SmokeDetector to scan a post.
func (h *CommandHandler) HandleReport(ctx context.Context, chatID int64, args string) error {
	if !strings.HasPrefix(args, "http://") && !strings.HasPrefix(args, "https://") {
		return h.reply(ctx, chatID, "Usage: /report <post url>")
	}
	if !h.writer.CanWrite() {
		return h.reply(ctx, chatID, "Metasmoke writes are disabled: no write token configured.")
	}

	if err := h.writer.ReportPost(ctx, args); err != nil {
		h.reply(ctx, chatID, "❌ Report failed: "+describe(err))
		return fmt.Errorf("report post: %w", err)
	}
	return h.reply(ctx, chatID, "✅ Post reported to SmokeDetector")
}

// HandleStats handles the /stats command.
func (h *CommandHandler) HandleStats(ctx context.Context, chatID int64) error {
	relayed, err := h.reports.CountReports(ctx)
	if err != nil {
		return fmt.Errorf("count reports: %w", err)
	}

	msg := fmt.Sprintf("📊 Relay Stats:\n\n"+
		"Reports relayed: %d\n"+
		"Tracked posts: %d\n"+
		"Pending decorations: %d",
		relayed, h.queue.ResolvedCount(), h.queue.PendingCount())
	return h.reply(ctx, chatID, msg)
}

func (h *CommandHandler) reply(ctx context.Context, chatID int64, text string) error {
	_, err := h.sender.SendMessage(ctx, chatID, text, false)
	return err
}

// Identifier turns a post URL or link into the protocol-relative form used
// as annotation identifier.
func Identifier(link string) annotation.Identifier {
	link = strings.TrimSpace(link)
	if i := strings.Index(link, "://"); i >= 0 {
		link = link[i+1:]
	}
	return annotation.Identifier(link)
}

// resolvePostID accepts a metasmoke post ID or a post link.
func (h *CommandHandler) resolvePostID(ctx context.Context, ref string) (int64, error) {
	if id, ok := parsePostID(ref); ok {
		return id, nil
	}
	post, err := h.writer.GetPostByURL(ctx, string(Identifier(ref)))
	if err != nil {
		return 0, fmt.Errorf("resolve post: %w", err)
	}
	return post.ID, nil
}

func validPostRef(s string) bool {
	if _, ok := parsePostID(s); ok {
		return true
	}
	return strings.Contains(s, "//")
}

func parsePostID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func describe(err error) string {
	var apiErr *metasmoke.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
