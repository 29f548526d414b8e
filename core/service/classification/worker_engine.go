// Package classification annotates inbound mail with category, priority,
// sentiment, action items and a response-required verdict.
package classification

import (
	"strings"

	"mailpilot_worker/core/domain"
)

const (
	maxActionItems   = 3
	minActionItemLen = 5
	maxActionItemLen = 200
)

// Input is everything the engine looks at. History may be nil.
type Input struct {
	Subject string
	Body    string
	Sender  string
	History *domain.SenderHistory
}

// Engine is stateless; the zero value is ready to use.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Classify is deterministic and makes no external calls.
func (e *Engine) Classify(in Input) domain.Classification {
	text := in.Subject + "\n" + in.Body
	urgent := urgentWords.match(text)

	category := e.category(in, text, urgent)
	responseRequired := e.responseRequired(text, category)

	return domain.Classification{
		Category:         category,
		Priority:         e.priority(category, urgent, responseRequired),
		Sentiment:        e.sentiment(text),
		ActionItems:      e.actionItems(in.Body),
		ResponseRequired: responseRequired,
	}
}

func (e *Engine) category(in Input, text string, urgent bool) domain.Category {
	if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(in.Body) == "" {
		return domain.CategoryUncategorized
	}
	if urgent || importantWords.match(text) {
		return domain.CategoryImportant
	}
	if newsletterWords.match(text) {
		return domain.CategoryNewsletter
	}
	if promotionWords.match(text) {
		return domain.CategoryPromotions
	}

	sender := domain.Address{Email: in.Sender}
	if isSocialSender(sender.Domain()) {
		return domain.CategorySocial
	}
	if isAutomatedSender(in.Sender) {
		return domain.CategoryUpdates
	}
	if cat, ok := in.History.Dominant(); ok {
		return cat
	}
	return domain.CategoryInbox
}

func (e *Engine) priority(category domain.Category, urgent, responseRequired bool) domain.Priority {
	switch {
	case urgent:
		return domain.PriorityUrgent
	case category == domain.CategoryImportant || responseRequired:
		return domain.PriorityHigh
	case category == domain.CategoryUncategorized:
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}

func (e *Engine) sentiment(text string) domain.Sentiment {
	pos := positiveWords.score(text)
	neg := negativeWords.score(text)
	switch {
	case pos > neg:
		return domain.SentimentPositive
	case neg > pos:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

func (e *Engine) responseRequired(text string, category domain.Category) bool {
	if domain.NoResponseCategories[category] {
		return false
	}
	return strings.Contains(text, "?") || requestPhrases.match(text)
}

func (e *Engine) actionItems(body string) []string {
	var items []string
	seen := make(map[string]bool)
	for _, s := range splitSentences(body) {
		if len(s) < minActionItemLen || len(s) > maxActionItemLen {
			continue
		}
		if !actionWords.match(s) {
			continue
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, s)
		if len(items) == maxActionItems {
			break
		}
	}
	return items
}

// splitSentences breaks on terminal punctuation and line breaks, keeping the
// punctuation with its sentence.
func splitSentences(body string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range body {
		switch r {
		case '\n', '\r':
			flush()
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}
