package domain

type Category string

const (
	CategoryImportant     Category = "important"
	CategoryInbox         Category = "inbox"
	CategoryNewsletter    Category = "newsletter"
	CategoryPromotions    Category = "promotions"
	CategoryUpdates       Category = "updates"
	CategorySocial        Category = "social"
	CategorySpam          Category = "spam"
	CategoryUncategorized Category = "uncategorized"
)

// NoResponseCategories never require a reply.
var NoResponseCategories = map[Category]bool{
	CategoryPromotions: true,
	CategoryNewsletter: true,
	CategorySocial:     true,
	CategoryUpdates:    true,
	CategorySpam:       true,
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Classification is the annotation attached to every ingested message.
type Classification struct {
	Category         Category  `json:"category" db:"category"`
	Priority         Priority  `json:"priority" db:"priority"`
	Sentiment        Sentiment `json:"sentiment" db:"sentiment"`
	ActionItems      []string  `json:"action_items,omitempty"`
	ResponseRequired bool      `json:"response_required" db:"response_required"`
}

// SenderHistory is what the classifier knows about a sender from earlier mail.
type SenderHistory struct {
	Sender     string           `json:"sender"`
	Categories map[Category]int `json:"categories"`
}

// Dominant returns the most frequent earlier category. Ties break on name so
// the answer is stable.
func (h *SenderHistory) Dominant() (Category, bool) {
	if h == nil || len(h.Categories) == 0 {
		return "", false
	}
	var best Category
	bestCount := 0
	for cat, n := range h.Categories {
		if n > bestCount || (n == bestCount && cat < best) {
			best, bestCount = cat, n
		}
	}
	return best, bestCount > 0
}
