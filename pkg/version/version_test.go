package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.Equal(t, "0.3.0", Version())
	assert.Equal(t, Version(), GetVersion())
	assert.Equal(t, "aa-minter/0.3.0", UserAgent())
}

func TestGetFullVersionString(t *testing.T) {
	defer func(c, d string) { GitCommit, BuildDate = c, d }(GitCommit, BuildDate)

	GitCommit, BuildDate = "", ""
	s := GetFullVersionString()
	assert.True(t, strings.HasPrefix(s, "aa-minter v0.3.0 (go: "), s)
	assert.NotContains(t, s, "commit")

	GitCommit, BuildDate = "0123456789abcdef", "2026-10-01"
	s = GetFullVersionString()
	assert.Contains(t, s, "(commit: 0123456)")
	assert.Contains(t, s, "(built: 2026-10-01)")
}
