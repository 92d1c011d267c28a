package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.NewDefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultAPIPort, cfg.APIPort)
	assert.Equal(t, "noetl.commands", cfg.NATSSubject)
	assert.Equal(t, "noetl-worker-pool", cfg.NATSConsumer)
	assert.Equal(t, 64*1024, cfg.LoopResultMaxBytes)
	assert.Equal(t, 100, cfg.PaginationMaxPages)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NOETL_API_PORT", "9090")
	t.Setenv("NOETL_NATS_SUBJECT", "custom.commands")
	t.Setenv("NOETL_LOOP_RESULT_MAX_BYTES", "1024")
	t.Setenv("NOETL_PAGINATION_MAX_PAGES", "7")

	cfg := config.NewDefaultConfig()
	assert.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, "custom.commands", cfg.NATSSubject)
	assert.Equal(t, 1024, cfg.LoopResultMaxBytes)
	assert.Equal(t, 7, cfg.PaginationMaxPages)
}

func TestLoadFromEnvRejectsBadInt(t *testing.T) {
	t.Setenv("NOETL_API_PORT", "not-a-port")
	cfg := config.NewDefaultConfig()
	assert.Error(t, cfg.LoadFromEnv())
}

func TestLoadFromEnvRejectsOutOfRange(t *testing.T) {
	t.Setenv("NOETL_API_PORT", "70000")
	cfg := config.NewDefaultConfig()
	assert.Error(t, cfg.LoadFromEnv())
}

func TestValidateRejectsEmptyDatabaseURL(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.DatabaseURL = ""
	assert.ErrorIs(t, cfg.Validate(), config.ErrDatabaseURLEmpty)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.APIPort = -1
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidAPIPort)
}

func TestValidateRejectsZeroCache(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.StateCacheSize = 0
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidCacheSize)
}
