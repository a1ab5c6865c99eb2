package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, int64(100), cfg.Donation.AmountCents)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.True(t, cfg.Reconcile.AllowGlobalFallback)
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("database.driver", "sqlite")
	v.Set("database.url", "guardian.db")
	v.Set("scheduler.tick", "10s")
	v.Set("reconcile.allow_global_fallback", false)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Tick)
	assert.False(t, cfg.Reconcile.AllowGlobalFallback)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*viper.Viper)
		errMsg string
	}{
		{"unknown driver", func(v *viper.Viper) { v.Set("database.driver", "mysql") }, "database.driver"},
		{"tick too slow", func(v *viper.Viper) { v.Set("scheduler.tick", "1m") }, "scheduler.tick"},
		{"zero concurrency", func(v *viper.Viper) { v.Set("scheduler.concurrency", 0) }, "scheduler.concurrency"},
		{"free donation", func(v *viper.Viper) { v.Set("donation.amount_cents", 0) }, "donation.amount_cents"},
		{"missing url", func(v *viper.Viper) { v.Set("database.url", "") }, "database.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			tt.mutate(v)

			_, err := Load(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
