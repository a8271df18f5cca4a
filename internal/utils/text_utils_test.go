package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTruncateTextKeepsRuneBoundary(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())

	out := tp.TruncateText("héllo wörld", 2)
	assert.True(t, strings.HasPrefix(out, "h"))
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "truncated")

	assert.Equal(t, "short", tp.TruncateText("short", 100))
	assert.Equal(t, "unlimited", tp.TruncateText("unlimited", 0))
}

func TestSanitizeUTF8DropsInvalidBytes(t *testing.T) {
	tp := NewTextProcessor(nil)
	assert.Equal(t, "ab", tp.SanitizeUTF8("a\xffb"))
}

func TestCleanBody(t *testing.T) {
	tp := NewTextProcessor(nil)

	in := "Hello,  \r\n\r\n\r\n\r\nI have a question.\t\r\nThanks\r\n\r\n"
	assert.Equal(t, "Hello,\n\nI have a question.\nThanks", tp.CleanBody(in))

	// decomposed e + combining acute becomes the single code point
	assert.Equal(t, "caf\u00e9", tp.CleanBody("cafe\u0301"))
}

func TestProcessText(t *testing.T) {
	tp := NewTextProcessor(nil)
	out := tp.ProcessText("line one\r\n\r\n\r\nline two \xff", 1000)
	assert.Equal(t, "line one\n\nline two", out)
}
