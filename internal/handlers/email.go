package handlers

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/internal/validation"
)

const (
	DefaultSummaryLength = 200
	KeywordUrgency       = "urgency"
	PriorityHigh         = "high"
	PriorityNormal       = "normal"
)

var (
	addressRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	fromLineRe   = regexp.MustCompile(`(?im)^[ \t]*from:[ \t]*(.+)$`)
	subjectRe    = regexp.MustCompile(`(?im)^[ \t]*subject:[ \t]*(.+)$`)
	dateRe       = regexp.MustCompile(`(?im)^[ \t]*date:[ \t]*(.+)$`)
	actionItemRe = regexp.MustCompile(`(?im)\b(?:action items?|todo|follow up):[ \t]*(.+)$`)
	attachmentRe = regexp.MustCompile(`(?im)\battachments?:[ \t]*(.+)$`)
)

// DefaultEmailKeywords returns the keyword categories detected when none are configured.
func DefaultEmailKeywords() map[string][]string {
	return map[string][]string{
		KeywordUrgency:    {"urgent", "asap", "critical", "emergency", "immediately"},
		"meeting_request": {"meeting", "schedule a call", "calendar invite", "availability"},
		"payment":         {"invoice", "payment", "billing", "overdue"},
		"follow_up":       {"follow up", "following up", "reminder"},
	}
}

// EmailConfig controls what the email parser extracts.
type EmailConfig struct {
	SummaryLength int
	Keywords      map[string][]string
	// Addresses checks sender candidates. Nil uses a default validation.Validator.
	Addresses AddressValidator
}

// AddressValidator reports whether addr is a syntactically valid email address.
type AddressValidator interface {
	Email(addr string) bool
}

// EmailResult is the structured output of an email_parse task.
type EmailResult struct {
	DetectedSender   string   `json:"detected_sender"`
	SenderLine       string   `json:"sender_line,omitempty"`
	Subject          string   `json:"subject,omitempty"`
	Date             string   `json:"date,omitempty"`
	DetectedKeywords []string `json:"detected_keywords"`
	ActionItems      []string `json:"action_items"`
	Attachments      []string `json:"attachments"`
	Priority         string   `json:"priority"`
	Summary          string   `json:"summary"`
}

type keywordCategory struct {
	name string
	re   *regexp.Regexp
}

// EmailParser extracts sender, keywords and a summary from raw email text.
type EmailParser struct {
	summaryLength int
	categories    []keywordCategory
	addresses     AddressValidator
}

// NewEmailParser creates an EmailParser from config.
func NewEmailParser(cfg EmailConfig) *EmailParser {
	if cfg.SummaryLength <= 0 {
		cfg.SummaryLength = DefaultSummaryLength
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = DefaultEmailKeywords()
	}
	if cfg.Addresses == nil {
		cfg.Addresses = validation.New(validation.Config{})
	}

	names := make([]string, 0, len(cfg.Keywords))
	for name := range cfg.Keywords {
		names = append(names, name)
	}
	sort.Strings(names)

	categories := make([]keywordCategory, 0, len(names))
	for _, name := range names {
		if re := keywordPattern(cfg.Keywords[name]); re != nil {
			categories = append(categories, keywordCategory{name: name, re: re})
		}
	}

	return &EmailParser{
		summaryLength: cfg.SummaryLength,
		categories:    categories,
		addresses:     cfg.Addresses,
	}
}

func (h *EmailParser) TaskType() domain.TaskType { return domain.TypeEmailParse }

func (h *EmailParser) Process(ctx context.Context, in Input) (any, error) {
	_, span := otel.Tracer("dispatcher").Start(ctx, "handler.email_parse")
	defer span.End()

	p, err := paramsAs[domain.EmailParams](in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid params")
		return nil, err
	}
	content := p.EmailContent

	res := EmailResult{
		SenderLine:       firstGroup(fromLineRe, content),
		Subject:          firstGroup(subjectRe, content),
		Date:             firstGroup(dateRe, content),
		DetectedKeywords: []string{},
		ActionItems:      allGroups(actionItemRe, content),
		Attachments:      splitList(allGroups(attachmentRe, content)),
		Priority:         PriorityNormal,
		Summary:          summarize(content, h.summaryLength),
	}

	res.DetectedSender = h.firstAddress(res.SenderLine)
	if res.DetectedSender == "" {
		res.DetectedSender = h.firstAddress(content)
	}

	for _, c := range h.categories {
		if c.re.MatchString(content) {
			res.DetectedKeywords = append(res.DetectedKeywords, c.name)
			if c.name == KeywordUrgency {
				res.Priority = PriorityHigh
			}
		}
	}

	span.SetAttributes(
		attribute.Int("email.length", len(content)),
		attribute.StringSlice("email.keywords", res.DetectedKeywords),
	)
	return res, nil
}

// firstAddress returns the first candidate in s that passes email syntax validation.
func (h *EmailParser) firstAddress(s string) string {
	for _, candidate := range addressRe.FindAllString(s, -1) {
		if h.addresses.Email(candidate) {
			return candidate
		}
	}
	return ""
}

func keywordPattern(words []string) *regexp.Regexp {
	alts := make([]string, 0, len(words))
	for _, w := range words {
		parts := strings.Fields(strings.ToLower(w))
		if len(parts) == 0 {
			continue
		}
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		alts = append(alts, strings.Join(parts, `\s+`))
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func allGroups(re *regexp.Regexp, s string) []string {
	out := []string{}
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitList(lines []string) []string {
	out := []string{}
	for _, line := range lines {
		for _, part := range strings.Split(line, ",") {
			if v := strings.TrimSpace(part); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
