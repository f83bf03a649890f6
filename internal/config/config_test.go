package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RSS_URL", "https://example.com/feed.rss")
	t.Setenv("MONGO_URL", "mongodb://localhost:27017")
	t.Setenv("DETA_KEY", "proj_key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/feed.rss", cfg.RSSURL)
	require.Equal(t, "rssbox.log", cfg.LogFile)
	require.False(t, cfg.Debug)
	require.Empty(t, cfg.APIAddr)
	require.Contains(t, cfg.FilterExtensions, "mkv")
	require.Contains(t, cfg.FilterExtensions, "mp4")
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("RSS_URL", "")
	t.Setenv("MONGO_URL", "mongodb://localhost:27017")
	t.Setenv("DETA_KEY", "proj_key")

	_, err := Load(false)
	require.ErrorContains(t, err, "RSS_URL")
}

func TestLoadDebugSources(t *testing.T) {
	setRequired(t)

	cfg, err := Load(true)
	require.NoError(t, err)
	require.True(t, cfg.Debug)

	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err = Load(false)
	require.NoError(t, err)
	require.True(t, cfg.Debug)
}

func TestLoadCustomExtensions(t *testing.T) {
	setRequired(t)
	t.Setenv("FILTER_EXTENSIONS", ".MKV, avi,, mkv ,srt")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, []string{"mkv", "avi", "srt"}, cfg.FilterExtensions)
}

func TestParseExtensions(t *testing.T) {
	require.Equal(t, []string{"mkv", "mp4"}, parseExtensions("mkv,mp4"))
	require.Equal(t, []string{"mkv"}, parseExtensions(".mkv, .MKV, mkv"))
	require.Nil(t, parseExtensions(""))
	require.Nil(t, parseExtensions(" , ,, "))
}
