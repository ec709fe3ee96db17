package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSatisfies(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "0.3.1"

	tests := []struct {
		min  string
		want bool
	}{
		{"", true},
		{"0.3.0", true},
		{"v0.3.1", true},
		{"0.4", false},
		{"1.0.0", false},
		{"not-a-version", false},
	}
	for _, tt := range tests {
		t.Run(tt.min, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfies(tt.min))
		})
	}
}

func TestSatisfies_DevBuild(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "dev"
	assert.True(t, Satisfies("9.9.9"))
}

func TestString(t *testing.T) {
	oldV, oldC := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldV, oldC })

	Version, GitCommit = "0.3.0", "unknown"
	assert.Equal(t, "0.3.0", String())
	GitCommit = "0123456789abcdef"
	assert.Equal(t, "0.3.0-01234567", String())
}
