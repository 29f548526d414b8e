package classification

import (
	"regexp"
	"strings"
)

// keywordSet matches whole words or phrases, case-insensitively.
type keywordSet struct {
	re *regexp.Regexp
}

func newKeywordSet(words ...string) keywordSet {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(w))
	}
	return keywordSet{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

func (k keywordSet) match(s string) bool {
	return k.re.MatchString(s)
}

// weightedSet counts matches of each term, multiplied by its weight.
type weightedSet []weightedTerm

type weightedTerm struct {
	re     *regexp.Regexp
	weight int
}

func newWeightedSet(terms map[string]int) weightedSet {
	out := make(weightedSet, 0, len(terms))
	for w, weight := range terms {
		out = append(out, weightedTerm{
			re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
			weight: weight,
		})
	}
	return out
}

func (w weightedSet) score(s string) int {
	total := 0
	for _, t := range w {
		total += len(t.re.FindAllStringIndex(s, -1)) * t.weight
	}
	return total
}

var (
	urgentWords = newKeywordSet("urgent", "asap", "immediately", "emergency", "right away")

	importantWords = newKeywordSet("important", "critical", "deadline", "action required", "time sensitive")

	newsletterWords = newKeywordSet("newsletter", "unsubscribe", "digest", "weekly roundup", "view in browser")

	promotionWords = newKeywordSet("sale", "discount", "% off", "promo", "coupon", "limited time offer", "free shipping", "deal")

	requestPhrases = newKeywordSet(
		"let me know",
		"please reply",
		"please respond",
		"please confirm",
		"get back to me",
		"your thoughts",
		"can you",
		"could you",
		"would you",
		"awaiting your",
		"looking forward to hearing",
		"rsvp",
	)

	actionWords = newKeywordSet(
		"please",
		"need you to",
		"make sure",
		"don't forget",
		"remember to",
		"can you",
		"could you",
		"send",
		"review",
		"confirm",
		"schedule",
		"submit",
		"update",
		"call",
	)

	positiveWords = newWeightedSet(map[string]int{
		"thanks":      1,
		"thank you":   2,
		"great":       1,
		"appreciate":  2,
		"excellent":   2,
		"happy":       1,
		"pleased":     1,
		"wonderful":   2,
		"love":        1,
		"congrats":    2,
		"glad":        1,
		"perfect":     1,
	})

	negativeWords = newWeightedSet(map[string]int{
		"disappointed": 2,
		"unacceptable": 3,
		"angry":        2,
		"problem":      1,
		"issue":        1,
		"complaint":    2,
		"frustrated":   2,
		"terrible":     3,
		"broken":       1,
		"refund":       1,
		"cancel":       1,
		"unhappy":      2,
	})
)

var (
	socialDomains = []string{
		"facebookmail.com", "linkedin.com", "twitter.com", "x.com",
		"instagram.com", "pinterest.com", "reddit.com", "tiktok.com",
	}

	automatedLocalParts = []string{
		"noreply", "no-reply", "donotreply", "do-not-reply",
		"notifications", "notification", "alerts", "mailer-daemon",
	}
)

func isSocialSender(domain string) bool {
	for _, d := range socialDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func isAutomatedSender(addr string) bool {
	local := strings.ToLower(addr)
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	for _, p := range automatedLocalParts {
		if local == p || strings.HasPrefix(local, p+"+") || strings.HasPrefix(local, p+".") {
			return true
		}
	}
	return false
}
