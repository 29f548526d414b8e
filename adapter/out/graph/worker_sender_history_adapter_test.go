package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailpilot_worker/core/domain"
)

func TestAddCountAcceptsDriverIntegers(t *testing.T) {
	counts := make(map[domain.Category]int)
	addCount(counts, "newsletter", int64(3))
	addCount(counts, "newsletter", 2)
	addCount(counts, "important", float64(1))
	addCount(counts, nil, int64(9))
	addCount(counts, "spam", "not a number")

	assert.Equal(t, map[domain.Category]int{
		domain.CategoryNewsletter: 5,
		domain.CategoryImportant:  1,
	}, counts)

	h := toHistory("news@example.com", counts)
	cat, ok := h.Dominant()
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryNewsletter, cat)
}

func TestToHistoryEmptyIsNil(t *testing.T) {
	assert.Nil(t, toHistory("nobody@example.com", map[domain.Category]int{}))
}
