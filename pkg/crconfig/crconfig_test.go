package crconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndNotifies(t *testing.T) {
	path := writeTempConfig(t, `
nodes:
  - name: node0
    cores: 4
    realMemory: 1048576
partitions:
  - name: default
`)
	l := NewLoader(path)
	var got *Cluster
	l.OnChange(func(c *Cluster) error {
		got = c
		return nil
	})
	require.NoError(t, l.Load())
	require.NotNil(t, got)
	require.Equal(t, 1, got.Partitions[0].NumRows)
	require.Equal(t, "available", got.Policy.DefaultNodeReq)
	require.Equal(t, "first_cores", got.Policy.DefaultRowStrategy)
	require.Equal(t, 1, got.Policy.ThreadsPerCore)
	require.Same(t, got, l.Current())
}

func TestLoadRejectsDuplicateNodeNames(t *testing.T) {
	path := writeTempConfig(t, `
nodes:
  - name: node0
    cores: 4
    realMemory: 1048576
  - name: node0
    cores: 2
    realMemory: 1048576
`)
	l := NewLoader(path)
	require.Error(t, l.Load())
	require.Nil(t, l.Current())
}

func TestLoadKeepsPreviousConfigOnReloadFailure(t *testing.T) {
	path := writeTempConfig(t, `
nodes:
  - name: node0
    cores: 4
    realMemory: 1048576
`)
	l := NewLoader(path)
	require.NoError(t, l.Load())
	first := l.Current()

	require.NoError(t, os.WriteFile(path, []byte("nodes: []\n"), 0o644))
	require.Error(t, l.Load())
	require.Same(t, first, l.Current())
}

func TestNotifyErrorFailsLoad(t *testing.T) {
	path := writeTempConfig(t, `
nodes:
  - name: node0
    cores: 4
    realMemory: 1048576
`)
	l := NewLoader(path)
	l.OnChange(func(c *Cluster) error {
		return require.AnError
	})
	require.Error(t, l.Load())
}
