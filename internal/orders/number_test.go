package orders

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var orderNumberPattern = regexp.MustCompile(`^ORD[0-9A-Z]+$`)

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := NewOrderNumber(now)
		assert.Regexp(t, orderNumberPattern, n)
		assert.False(t, seen[n], "duplicate order number %s", n)
		seen[n] = true
	}
}

func TestOrderNumbersSortByTime(t *testing.T) {
	earlier := NewOrderNumber(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	later := NewOrderNumber(time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC))
	assert.Less(t, earlier[:len(earlier)-suffixLength], later[:len(later)-suffixLength])
}
