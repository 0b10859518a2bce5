package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeaturesForRelease(t *testing.T) {
	tests := []struct {
		release    string
		hasLink    bool
		hasRingBuf bool
	}{
		{"5.4.0-100-generic", false, false},
		{"5.6.19", false, false},
		{"5.7.0", true, false},
		{"5.7.1-arch1-1", true, false},
		{"5.8.0", true, true},
		{"5.8.0-rc3", true, true},
		{"6.1.0+deb12", true, true},
		{"6.8.9-300.fc40.x86_64", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			f, err := featuresForRelease(tt.release)
			require.NoError(t, err)
			assert.Equal(t, tt.hasLink, f.HasBPFLink, "bpf link")
			assert.Equal(t, tt.hasRingBuf, f.HasRingBuf, "ring buffer")
		})
	}
}

func TestFeaturesForRelease_Malformed(t *testing.T) {
	_, err := featuresForRelease("not-a-kernel")
	require.Error(t, err)
}
