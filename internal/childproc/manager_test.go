package childproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	validatorKey := filepath.Join(dir, "validator_key_src.json")
	validatorNodeKey := filepath.Join(dir, "validator_node_key_src.json")
	voterNodeKey := filepath.Join(dir, "voter_node_key_src.json")
	for _, p := range []string{validatorKey, validatorNodeKey, voterNodeKey} {
		require.NoError(t, os.WriteFile(p, []byte(`{"account_id":"a","public_key":"ed25519:pub","secret_key":"ed25519:sec"}`), 0o644))
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"network":{"addr":"0.0.0.0:24567","public_addrs":[]},"rpc":{"addr":"0.0.0.0:3030"}}`), 0o644))

	m := NewManager(dir, validatorKey, validatorNodeKey, voterNodeKey, "")
	return m, dir
}

func TestSetupValidatorSymlinksAndRewritesConfig(t *testing.T) {
	m, dir := newTestManager(t)

	require.NoError(t, m.SetupValidator("0.0.0.0:24567", []string{"1.2.3.4"}, "ed25519:pub"))

	target, err := os.Readlink(filepath.Join(dir, "validator_key.json"))
	require.NoError(t, err)
	require.Equal(t, m.validatorKeyPath, target)

	cfg, err := ReadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:24567", cfg.Network.Addr)
	require.Equal(t, []string{"ed25519:pub@1.2.3.4:24567"}, cfg.Network.PublicAddrs)
}

func TestSetupVoterRemovesValidatorKey(t *testing.T) {
	m, dir := newTestManager(t)

	require.NoError(t, m.SetupValidator("0.0.0.0:24567", []string{"1.2.3.4"}, "ed25519:pub"))
	require.NoError(t, m.SetupVoter("0.0.0.0:24568"))

	_, err := os.Lstat(filepath.Join(dir, "validator_key.json"))
	require.True(t, os.IsNotExist(err))

	cfg, err := ReadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:24568", cfg.Network.Addr)
	require.Empty(t, cfg.Network.PublicAddrs)
}

func TestGracefulStopReapsExitedChild(t *testing.T) {
	m, _ := newTestManager(t)

	ctx := context.Background()
	pid, err := m.Spawn(ctx, "sleep")
	if err != nil {
		t.Skipf("sleep binary unavailable in test environment: %v", err)
	}
	require.NotZero(t, pid)

	err = m.GracefulStop(ctx)
	require.NoError(t, err)
	require.Zero(t, m.PID())
}

func TestGracefulStopOnNoProcessIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.GracefulStop(context.Background()))
}
