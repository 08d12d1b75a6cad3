package epochsys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 64, cfg.NThreads)
	require.Equal(t, Blocking, cfg.Liveness)
	require.Equal(t, uint(4), cfg.EpochFreqLog2)
	require.False(t, cfg.VisibleReads)
	require.Equal(t, PwbFlush, cfg.Pwb)
	require.Equal(t, 50*time.Microsecond, cfg.RetryInitial)
	require.Equal(t, 10*time.Millisecond, cfg.RetryMax)
}

func TestConfigFromEnvEmptyMapMatchesDefault(t *testing.T) {
	cfg, err := ConfigFromEnv(map[string]string{})
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromEnvOverridesLiveness(t *testing.T) {
	cfg, err := ConfigFromEnv(map[string]string{"EPOCHSYS_LIVENESS": "nonblocking"})
	require.NoError(t, err)
	require.Equal(t, Nonblocking, cfg.Liveness)
}

func TestConfigFromEnvRejectsInvalidLiveness(t *testing.T) {
	_, err := ConfigFromEnv(map[string]string{"EPOCHSYS_LIVENESS": "sideways"})
	require.Error(t, err)
}

func TestConfigFromEnvOverridesVisibleReads(t *testing.T) {
	cfg, err := ConfigFromEnv(map[string]string{"EPOCHSYS_VISIBLE_READS": "true"})
	require.NoError(t, err)
	require.True(t, cfg.VisibleReads)
}

func TestConfigFromEnvRejectsInvalidVisibleReads(t *testing.T) {
	_, err := ConfigFromEnv(map[string]string{"EPOCHSYS_VISIBLE_READS": "maybe"})
	require.Error(t, err)
}

func TestConfigFromEnvOverridesEpochFreqLog2(t *testing.T) {
	cfg, err := ConfigFromEnv(map[string]string{"EPOCHSYS_EPOCH_FREQ_LOG2": "8"})
	require.NoError(t, err)
	require.Equal(t, uint(8), cfg.EpochFreqLog2)
}

func TestConfigFromEnvRejectsInvalidEpochFreqLog2(t *testing.T) {
	_, err := ConfigFromEnv(map[string]string{"EPOCHSYS_EPOCH_FREQ_LOG2": "not-a-number"})
	require.Error(t, err)
}

func TestConfigFromEnvOverridesNThreads(t *testing.T) {
	cfg, err := ConfigFromEnv(map[string]string{"EPOCHSYS_NTHREADS": "128"})
	require.NoError(t, err)
	require.Equal(t, 128, cfg.NThreads)
}

func TestConfigFromEnvRejectsZeroOrNegativeNThreads(t *testing.T) {
	_, err := ConfigFromEnv(map[string]string{"EPOCHSYS_NTHREADS": "0"})
	require.Error(t, err)

	_, err = ConfigFromEnv(map[string]string{"EPOCHSYS_NTHREADS": "-3"})
	require.Error(t, err)
}

func TestConfigFromEnvAppliesMultipleOverridesTogether(t *testing.T) {
	cfg, err := ConfigFromEnv(map[string]string{
		"EPOCHSYS_LIVENESS":        "nonblocking",
		"EPOCHSYS_VISIBLE_READS":   "true",
		"EPOCHSYS_EPOCH_FREQ_LOG2": "2",
		"EPOCHSYS_NTHREADS":        "16",
	})
	require.NoError(t, err)
	require.Equal(t, Nonblocking, cfg.Liveness)
	require.True(t, cfg.VisibleReads)
	require.Equal(t, uint(2), cfg.EpochFreqLog2)
	require.Equal(t, 16, cfg.NThreads)
}
