package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPrefersFirstSetKey(t *testing.T) {
	t.Setenv("MARKETPLACE_LOG_FORMAT", "")
	t.Setenv("LOG_FORMAT", " console ")

	assert.Equal(t, "console", Get("json", "MARKETPLACE_LOG_FORMAT", "LOG_FORMAT"))

	t.Setenv("MARKETPLACE_LOG_FORMAT", "json")
	assert.Equal(t, "json", Get("console", "MARKETPLACE_LOG_FORMAT", "LOG_FORMAT"))
}

func TestGetFallback(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	assert.Equal(t, "json", Get("json", "LOG_FORMAT"))
}
