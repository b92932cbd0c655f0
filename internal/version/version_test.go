package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version, Commit = "1.2.3", "0123456789abcdef"
	full := Full()
	assert.True(t, strings.HasPrefix(full, "sniffd 1.2.3 (commit: 0123456,"))
	assert.Contains(t, full, runtime.GOOS+"/"+runtime.GOARCH)
	assert.Equal(t, "1.2.3", Short())
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "abcdefg", short("abcdefgh"))
}
