package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "/nonexistent/awgsrv.toml", "")
	require.NoError(t, fs.Parse(nil))

	_, cfg := Load(fs)
	d := Defaults()
	assert.Equal(t, d.QueuedPort, cfg.QueuedPort)
	assert.Equal(t, d.DirectPort, cfg.DirectPort)
	assert.Equal(t, d.NotifyPort, cfg.NotifyPort)
	assert.Equal(t, d.PeriodUs, cfg.PeriodUs)
	assert.Equal(t, d.FlushFrames, cfg.FlushFrames)
	assert.False(t, cfg.EnablePoweroff)
}

func TestBindFlagsOverridesDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "/nonexistent/awgsrv.toml", "")
	require.NoError(t, fs.Parse([]string{"--period-us", "500"}))

	_, cfg := Load(fs)
	assert.Equal(t, 500, cfg.PeriodUs)
}
