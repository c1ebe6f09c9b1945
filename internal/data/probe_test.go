package data

import (
	"os"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceProbe_SampleMemoryPercent(t *testing.T) {
	probe := NewResourceProbe(log.NewStdLogger(os.Stdout))

	percent, err := probe.SampleMemoryPercent()
	require.NoError(t, err)
	assert.Greater(t, percent, 0.0)
	assert.LessOrEqual(t, percent, 100.0)
}

func TestResourceProbe_SampleProcessMemoryMB(t *testing.T) {
	probe := NewResourceProbe(log.NewStdLogger(os.Stdout))

	mb, err := probe.SampleProcessMemoryMB()
	require.NoError(t, err)
	assert.Greater(t, mb, 0.0)
}

func TestResourceProbe_SampleCPUPercent(t *testing.T) {
	probe := NewResourceProbe(log.NewStdLogger(os.Stdout))

	// First call establishes the baseline.
	first, err := probe.SampleCPUPercent()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, 0.0)

	second, err := probe.SampleCPUPercent()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second, 0.0)
	assert.LessOrEqual(t, second, 100.0)
}
