// Package config loads awgsrv's configuration: a TOML file named
// awgsrv.toml, searched first under /opt (the SD-card root on the
// deployed target) and then in the working directory, with CLI flags
// layered on top and a subset of keys hot-reloadable via fsnotify.
package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Instrument is a descriptive record about the AWG installation, read
// from config purely for the startup log line. It is not reported by the
// debug HTTP status endpoint, and it never gates or alters protocol
// behavior.
type Instrument struct {
	Model           string `mapstructure:"model"`
	Channels        int    `mapstructure:"channels"`
	TonesPerChannel int    `mapstructure:"tones_per_channel"`
	MaxGainQ1_17    uint32 `mapstructure:"max_gain_q1_17"`
}

// Config holds every tunable awgsrv needs at startup, plus the subset
// that may be hot-reloaded.
type Config struct {
	QueuedPort int `mapstructure:"queued_port"`
	DirectPort int `mapstructure:"direct_port"`
	NotifyPort int `mapstructure:"notify_port"`

	DataBase int64 `mapstructure:"data_base"`
	WenBase  int64 `mapstructure:"wen_base"`

	// PeriodUs and FlushFrames are safe to change at runtime; everything
	// else above is read once at startup.
	PeriodUs    int `mapstructure:"period_us"`
	FlushFrames int `mapstructure:"flush_frames"`

	// EnablePoweroff gates whether opcode X, after its Reset drain,
	// triggers an actual host shutdown. Defaults false.
	EnablePoweroff bool `mapstructure:"enable_poweroff"`

	DebugHTTPAddr string `mapstructure:"debug_http_addr"`

	Instrument Instrument `mapstructure:"instrument"`
}

// Defaults returns the sane values used when no config file is found.
func Defaults() Config {
	return Config{
		QueuedPort:     9100,
		DirectPort:     9000,
		NotifyPort:     9101,
		DataBase:       0x41200000,
		WenBase:        0x41210000,
		PeriodUs:       1000,
		FlushFrames:    100,
		EnablePoweroff: false,
		DebugHTTPAddr:  ":8080",
		Instrument: Instrument{
			Model:           "unknown (no awgsrv.toml found)",
			Channels:        2,
			TonesPerChannel: 8,
			MaxGainQ1_17:    1 << 17,
		},
	}
}

// BindFlags registers the CLI overrides on fs and binds them into v, so a
// flag present on the command line takes precedence over both the config
// file and the built-in defaults.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Int("queued-port", 0, "queued protocol TCP port")
	fs.Int("direct-port", 0, "direct passthrough TCP port")
	fs.Int("notify-port", 0, "status notifier TCP port")
	fs.Int("period-us", 0, "player tick period, microseconds")
	fs.Int("flush-frames", 0, "zero-gain frames driven per list during a flush")
	fs.Int64("data-base", 0, "DATA AXI-GPIO window physical base address")
	fs.Int64("wen-base", 0, "WEN AXI-GPIO window physical base address")
	if fs.Lookup("config") == nil {
		fs.String("config", "", "explicit path to awgsrv.toml, overriding the default search path")
	}

	v.BindPFlag("queued_port", fs.Lookup("queued-port"))
	v.BindPFlag("direct_port", fs.Lookup("direct-port"))
	v.BindPFlag("notify_port", fs.Lookup("notify-port"))
	v.BindPFlag("period_us", fs.Lookup("period-us"))
	v.BindPFlag("flush_frames", fs.Lookup("flush-frames"))
	v.BindPFlag("data_base", fs.Lookup("data-base"))
	v.BindPFlag("wen_base", fs.Lookup("wen-base"))
}

// Load reads awgsrv.toml from /opt then the working directory (or from
// the path named by the --config flag, if set), falling back to Defaults
// for any key the file and flags leave unset. It never fails: a missing
// or malformed config file just means Defaults() alone apply.
func Load(fs *pflag.FlagSet) (*viper.Viper, Config) {
	v := viper.New()
	defaults := Defaults()
	setViperDefaults(v, defaults)

	if fs != nil {
		BindFlags(fs, v)
		if explicit, _ := fs.GetString("config"); explicit != "" {
			v.SetConfigFile(explicit)
		}
	}
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("awgsrv")
		v.AddConfigPath("/opt")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		log.Printf("[CONFIG] no config file loaded, using defaults: %v", err)
	} else {
		log.Printf("[CONFIG] loaded %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("[CONFIG] decode failed, using defaults: %v", err)
		cfg = defaults
	}
	return v, cfg
}

// WatchReload installs a viper.WatchConfig hook that calls onChange with
// the freshly decoded PeriodUs/FlushFrames whenever the config file is
// rewritten. Ports, mmap base addresses and EnablePoweroff are
// intentionally not passed to onChange: they are read once at startup
// only.
func WatchReload(v *viper.Viper, onChange func(periodUs, flushFrames int)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Printf("[CONFIG] reload failed, keeping previous values: %v", err)
			return
		}
		onChange(cfg.PeriodUs, cfg.FlushFrames)
	})
	v.WatchConfig()
}

func setViperDefaults(v *viper.Viper, d Config) {
	v.SetDefault("queued_port", d.QueuedPort)
	v.SetDefault("direct_port", d.DirectPort)
	v.SetDefault("notify_port", d.NotifyPort)
	v.SetDefault("data_base", d.DataBase)
	v.SetDefault("wen_base", d.WenBase)
	v.SetDefault("period_us", d.PeriodUs)
	v.SetDefault("flush_frames", d.FlushFrames)
	v.SetDefault("enable_poweroff", d.EnablePoweroff)
	v.SetDefault("debug_http_addr", d.DebugHTTPAddr)
	v.SetDefault("instrument.model", d.Instrument.Model)
	v.SetDefault("instrument.channels", d.Instrument.Channels)
	v.SetDefault("instrument.tones_per_channel", d.Instrument.TonesPerChannel)
	v.SetDefault("instrument.max_gain_q1_17", d.Instrument.MaxGainQ1_17)
}
