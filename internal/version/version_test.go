package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.Equal(t, Version, b.Version)
	assert.Equal(t, runtime.Version(), b.GoVersion)
	assert.NotEmpty(t, b.GitCommit)
	assert.Contains(t, b.String(), "tracksfm "+Version)
}

func TestGetKeepsLdflagsCommit(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })
	GitCommit = "abc123"
	assert.Equal(t, "abc123", Get().GitCommit)
}
