package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.True(t, cfg.Quotes.Dedup)
	assert.Equal(t, "auto", cfg.Quotes.Render.Layout)
	assert.Equal(t, 18790, cfg.Gateway.Port)
}

func TestLoadConfig_FileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "quotes": {"data_dir": "/srv/quotes", "admins": [10001, "10002"], "global_scope": true},
  "channels": {"onebot": {"enabled": true, "ws_url": "ws://napcat:3001", "allow_groups": [123456]}},
  "miner": {"provider": "deepseek", "model": "deepseek-chat"}
}`), 0644))

	t.Setenv("PICOQUOTE_PROVIDERS_DEEPSEEK_API_KEY", "sk-test")
	t.Setenv("PICOQUOTE_MINER_MAX_PAGES", "5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/quotes", cfg.DataPath())
	assert.Equal(t, filepath.Join("/srv/quotes", "quotes", "quotes.json"), cfg.QuotesPath())
	assert.True(t, cfg.Quotes.GlobalScope)
	assert.True(t, cfg.IsAdmin("10001"))
	assert.True(t, cfg.IsAdmin("10002"))
	assert.False(t, cfg.IsAdmin(""))
	assert.Equal(t, FlexibleStringSlice{"123456"}, cfg.Channels.OneBot.AllowGroups)
	assert.Equal(t, "sk-test", cfg.Providers.DeepSeek.APIKey)
	assert.Equal(t, 5, cfg.Miner.MaxPages)
	// Untouched defaults survive the overlay.
	assert.Equal(t, 50, cfg.Miner.PageSize)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"layout":        `{"quotes": {"render": {"layout": "fancy"}}}`,
		"telegram":      `{"channels": {"telegram": {"enabled": true}}}`,
		"miner runes":   `{"miner": {"min_runes": 10, "max_runes": 5}}`,
		"log level":     `{"logging": {"level": "loud"}}`,
		"empty datadir": `{"quotes": {"data_dir": ""}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Quotes.Admins = FlexibleStringSlice{"42"}
	cfg.Channels.OneBot.AccessToken = "secret"

	require.NoError(t, SaveConfig(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, FlexibleStringSlice{"42"}, loaded.Quotes.Admins)
	assert.Equal(t, "secret", loaded.Channels.OneBot.AccessToken)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs", expandHome("/abs"))
	assert.Equal(t, "", expandHome(""))
}
