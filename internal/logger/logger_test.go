package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, levelDebug, parseLevel("debug"))
	assert.Equal(t, levelDebug, parseLevel("TRACE"))
	assert.Equal(t, levelWarn, parseLevel(" warn "))
	assert.Equal(t, levelError, parseLevel("error"))
	assert.Equal(t, levelInfo, parseLevel(""))
	assert.Equal(t, levelInfo, parseLevel("bogus"))
}

func TestSetLevel(t *testing.T) {
	SetLevel("warn")
	assert.False(t, enabled(levelInfo))
	assert.True(t, enabled(levelWarn))

	SetLevel("debug")
	assert.True(t, enabled(levelDebug))

	SetLevel("info")
	assert.False(t, enabled(levelDebug))
	assert.True(t, enabled(levelInfo))
}

func TestTag(t *testing.T) {
	SetPrefix("")
	assert.Equal(t, "", tag())
	SetPrefix("relay")
	assert.Equal(t, "[relay] ", tag())
	SetPrefix("")
}
