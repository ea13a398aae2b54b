// Package config loads the process-wide tunables enumerated in the design's
// configuration table (viewer transcoder params, framer thresholds,
// subscriber queue depth, timeouts, recognition thresholds, worker pool
// sizes, scheduler tick and server time zone) from file/env/flags via
// viper, mirroring the layered config approach used by the agent this
// module is descended from.
package config

import (
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables from the design's configuration table.
// Every field has the default named in the design next to it.
type Config struct {
	// Viewer transcoder (mjpeg mode)
	ViewerFPS     int    `mapstructure:"viewer_fps"`      // 15
	ViewerWidth   int    `mapstructure:"viewer_width"`    // 800
	ViewerHeight  int    `mapstructure:"viewer_height"`   // 600
	ViewerQuality int    `mapstructure:"viewer_quality"`  // 5
	ServerTZ      string `mapstructure:"server_tz"`        // "Local"

	// Framer
	FramerMinBytes  int `mapstructure:"framer_min_bytes"`  // 1 KiB
	FramerMaxBytes  int `mapstructure:"framer_max_bytes"`  // 500 KiB
	FramerBufferMax int `mapstructure:"framer_buffer_max"` // 2 MiB

	// Subscriber set
	SubscriberQueueCapacity int `mapstructure:"subscriber_queue_capacity"` // 4

	// Stream broker
	ViewerIdleTimeout     time.Duration `mapstructure:"viewer_idle_timeout"`     // 5m
	IdleGCInterval        time.Duration `mapstructure:"idle_gc_interval"`        // 30s
	TranscoderStartTimeoutMJPEG time.Duration `mapstructure:"transcoder_start_timeout_mjpeg"` // 2s
	TranscoderStartTimeoutStill time.Duration `mapstructure:"transcoder_start_timeout_still"` // 5s
	TranscoderKillTimeout time.Duration `mapstructure:"transcoder_kill_timeout"` // 5s

	// Frame extractor / recognition
	RecognitionPeriod time.Duration `mapstructure:"recognition_period"` // 5s

	// Detection/match thresholds
	DetectThreshold float32 `mapstructure:"detect_threshold"` // 0.5
	MatchStrong     float32 `mapstructure:"match_strong"`     // 0.35
	MatchWeak       float32 `mapstructure:"match_weak"`       // 0.5
	EmbedCropPad    float32 `mapstructure:"embed_crop_pad"`   // 0.15
	EmbedSize       int     `mapstructure:"embed_size"`       // 160

	// Worker pools
	EmbedParallelism int `mapstructure:"embed_parallelism"` // CPU count
	ImagePoolSize    int `mapstructure:"image_pool_size"`   // 4
	ImageQueueMax    int `mapstructure:"image_queue_max"`   // 100

	// Scheduler
	SchedulerTick time.Duration `mapstructure:"scheduler_tick"` // 10s

	// External collaborator endpoints
	DetectorEndpoint string `mapstructure:"detector_endpoint"`
	EmbedderEndpoint string `mapstructure:"embedder_endpoint"`
	DatabasePath     string `mapstructure:"database_path"`
}

// Default returns the configuration with every default named in the design.
func Default() *Config {
	return &Config{
		ViewerFPS:       15,
		ViewerWidth:     800,
		ViewerHeight:    600,
		ViewerQuality:   5,
		ServerTZ:        "Local",

		FramerMinBytes:  1024,
		FramerMaxBytes:  500 * 1024,
		FramerBufferMax: 2 * 1024 * 1024,

		SubscriberQueueCapacity: 4,

		ViewerIdleTimeout:           5 * time.Minute,
		IdleGCInterval:              30 * time.Second,
		TranscoderStartTimeoutMJPEG: 2 * time.Second,
		TranscoderStartTimeoutStill: 5 * time.Second,
		TranscoderKillTimeout:       5 * time.Second,

		RecognitionPeriod: 5 * time.Second,

		DetectThreshold: 0.5,
		MatchStrong:     0.35,
		MatchWeak:       0.5,
		EmbedCropPad:    0.15,
		EmbedSize:       160,

		EmbedParallelism: runtime.NumCPU(),
		ImagePoolSize:    4,
		ImageQueueMax:    100,

		SchedulerTick: 10 * time.Second,

		DatabasePath: "sentinelcam.db",
	}
}

// Load layers a config file (if present), environment variables prefixed
// SENTINELCAM_, and then CLI flags (via viper.BindPFlags, done by the
// caller before calling Load) on top of Default.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sentinelcam")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sentinelcam")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SENTINELCAM")

	// Unmarshal only sees keys viper already knows, so each mapstructure
	// key is bound to its SENTINELCAM_ variable explicitly.
	fields := reflect.TypeOf(*cfg)
	for i := 0; i < fields.NumField(); i++ {
		if key := fields.Field(i).Tag.Get("mapstructure"); key != "" {
			if err := viper.BindEnv(key); err != nil {
				return nil, fmt.Errorf("binding env for %s: %w", key, err)
			}
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.EmbedParallelism <= 0 {
		cfg.EmbedParallelism = runtime.NumCPU()
	}

	return cfg, nil
}

// Location resolves ServerTZ to a *time.Location, defaulting to the
// process-local zone when unset or "Local".
func (c *Config) Location() (*time.Location, error) {
	if c.ServerTZ == "" || c.ServerTZ == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ServerTZ)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", c.ServerTZ, err)
	}
	return loc, nil
}
