package procstats

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCurrentProcess(t *testing.T) {
	stats, err := Read(os.Getpid())
	if err != nil {
		t.Skipf("process stats unavailable in this environment: %v", err)
	}
	require.Greater(t, stats.RSSBytes, uint64(0))
}

func TestReadUnknownPIDErrors(t *testing.T) {
	_, err := Read(999999)
	require.Error(t, err)
}
