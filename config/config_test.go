package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, CopyTypeXOR, c.CopyType)
	require.Equal(t, 2, c.CacheSize)
	require.True(t, c.CRCOnFlush)
}

func TestEnvOverridesDefault(t *testing.T) {
	require.NoError(t, os.Setenv("SCR_COPY_TYPE", "partner"))
	require.NoError(t, os.Setenv("SCR_CACHE_SIZE", "4"))
	defer os.Unsetenv("SCR_COPY_TYPE")
	defer os.Unsetenv("SCR_CACHE_SIZE")

	c, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, CopyTypePartner, c.CopyType)
	require.Equal(t, 4, c.CacheSize)
}

func TestConfigFileOverridesDefaultButNotEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/scr.yaml"
	require.NoError(t, os.WriteFile(path, []byte("cache_size: 7\nset_size: 16\n"), 0o644))

	require.NoError(t, os.Setenv("SCR_SET_SIZE", "32"))
	defer os.Unsetenv("SCR_SET_SIZE")

	c, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 7, c.CacheSize)   // from file, overriding the code default
	require.Equal(t, 32, c.SetSize)    // env overrides the file
}

func TestMissingConfigFileIsNotAnError(t *testing.T) {
	c, err := Load("/no/such/scr.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, CopyTypeXOR, c.CopyType)
}

func TestRejectsUnknownCopyType(t *testing.T) {
	require.NoError(t, os.Setenv("SCR_COPY_TYPE", "RS"))
	defer os.Unsetenv("SCR_COPY_TYPE")

	_, err := Load("", nil)
	require.Error(t, err)
}

func TestShouldFlush(t *testing.T) {
	c := &Config{Flush: 10}
	require.False(t, c.ShouldFlush(0))
	require.False(t, c.ShouldFlush(5))
	require.True(t, c.ShouldFlush(10))
	require.True(t, c.ShouldFlush(20))

	c.Flush = 0
	require.False(t, c.ShouldFlush(10))
}
