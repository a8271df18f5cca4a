package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyAllowlistAllowsEveryone(t *testing.T) {
	c := NewChecker(nil, nil)
	assert.False(t, c.Enabled())
	assert.True(t, c.IsAllowed("anyone@anywhere.test"))
	assert.True(t, c.IsAllowed("not-an-address"))
}

func TestIsAllowed(t *testing.T) {
	c := NewChecker([]string{" Example.COM ", "@partner.net", ""}, nil)
	assert.True(t, c.Enabled())

	cases := []struct {
		from string
		want bool
	}{
		{"user@example.com", true},
		{"USER@EXAMPLE.COM", true},
		{"Jane Doe <jane@example.com>", true},
		{"ops@support.example.com", true},
		{"x@partner.net", true},
		{"x@notexample.com", false},
		{"x@example.com.evil.test", false},
		{"stranger@other.org", false},
		{"no-domain", false},
		{"trailing@", false},
	}
	for _, tc := range cases {
		t.Run(tc.from, func(t *testing.T) {
			assert.Equal(t, tc.want, c.IsAllowed(tc.from))
		})
	}
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.com", Domain("A <a@Example.com>"))
	assert.Equal(t, "example.com", Domain("a@example.com"))
	assert.Equal(t, "", Domain("nobody"))
}
