package circuitbreaker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(testLogger())

	smtp := r.GetOrCreate("smtp", Config{MaxFailures: 1})
	assert.Same(t, smtp, r.GetOrCreate("smtp", Config{MaxFailures: 99}))
	r.GetOrCreate("kafka", Config{})

	assert.False(t, r.AnyOpen())
	smtp.Execute(context.Background(), fail)
	assert.True(t, r.AnyOpen())

	stats := r.Snapshot()
	if assert.Len(t, stats, 2) {
		assert.Equal(t, "kafka", stats[0].Name)
		assert.Equal(t, "smtp", stats[1].Name)
		assert.Equal(t, "open", stats[1].State)
	}
}
