package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const fileName = "talkme-media"

type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Codec     CodecConfig     `mapstructure:"codec" yaml:"codec"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Pacer     PacerConfig     `mapstructure:"pacer" yaml:"pacer"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type CaptureConfig struct {
	FPS         int `mapstructure:"fps" yaml:"fps"`
	Quality     int `mapstructure:"quality" yaml:"quality"`
	MaxWidth    int `mapstructure:"max_width" yaml:"max_width"`
	MaxHeight   int `mapstructure:"max_height" yaml:"max_height"`
	Display     int `mapstructure:"display" yaml:"display"`
	BitrateKbps int `mapstructure:"bitrate_kbps" yaml:"bitrate_kbps"`
}

type CodecConfig struct {
	PreferHardware  bool   `mapstructure:"prefer_hardware" yaml:"prefer_hardware"`
	OpenH264Library string `mapstructure:"openh264_library" yaml:"openh264_library,omitempty"`
}

type AudioConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PollIntervalMs int  `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

type PacerConfig struct {
	IntervalMs int `mapstructure:"interval_ms" yaml:"interval_ms"`
	Capacity   int `mapstructure:"capacity" yaml:"capacity"`
}

type TransportConfig struct {
	SignalingURL string   `mapstructure:"signaling_url" yaml:"signaling_url,omitempty"`
	HostID       string   `mapstructure:"host_id" yaml:"host_id,omitempty"`
	AuthToken    string   `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
	ICEServers   []string `mapstructure:"ice_servers" yaml:"ice_servers"`
}

type MetricsConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Capture: CaptureConfig{
			FPS:       30,
			Quality:   70,
			MaxWidth:  1920,
			MaxHeight: 1080,
		},
		Codec: CodecConfig{
			PreferHardware: true,
		},
		Audio: AudioConfig{
			Enabled:        true,
			PollIntervalMs: 10,
		},
		Pacer: PacerConfig{
			IntervalMs: 10,
			Capacity:   20,
		},
		Transport: TransportConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Metrics: MetricsConfig{
			IntervalSeconds: 30,
		},
	}
}

// setDefaults registers every key so that TALKME_* environment variables
// are picked up by Unmarshal even when no config file mentions them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("capture.fps", cfg.Capture.FPS)
	v.SetDefault("capture.quality", cfg.Capture.Quality)
	v.SetDefault("capture.max_width", cfg.Capture.MaxWidth)
	v.SetDefault("capture.max_height", cfg.Capture.MaxHeight)
	v.SetDefault("capture.display", cfg.Capture.Display)
	v.SetDefault("capture.bitrate_kbps", cfg.Capture.BitrateKbps)
	v.SetDefault("codec.prefer_hardware", cfg.Codec.PreferHardware)
	v.SetDefault("codec.openh264_library", cfg.Codec.OpenH264Library)
	v.SetDefault("audio.enabled", cfg.Audio.Enabled)
	v.SetDefault("audio.poll_interval_ms", cfg.Audio.PollIntervalMs)
	v.SetDefault("pacer.interval_ms", cfg.Pacer.IntervalMs)
	v.SetDefault("pacer.capacity", cfg.Pacer.Capacity)
	v.SetDefault("transport.signaling_url", cfg.Transport.SignalingURL)
	v.SetDefault("transport.host_id", cfg.Transport.HostID)
	v.SetDefault("transport.auth_token", cfg.Transport.AuthToken)
	v.SetDefault("transport.ice_servers", cfg.Transport.ICEServers)
	v.SetDefault("metrics.interval_seconds", cfg.Metrics.IntervalSeconds)
}

// Load reads cfgFile (or talkme-media.yaml from the platform config
// directory or the working directory) and overlays TALKME_* environment
// variables. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TALKME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Dump renders cfg as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// SaveTo writes cfg as YAML to path, or to the platform config directory
// when path is empty.
func SaveTo(cfg *Config, path string) error {
	if path == "" {
		path = filepath.Join(configDir(), fileName+".yaml")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	data, err := Dump(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TalkMe")
	case "darwin":
		return "/Library/Application Support/TalkMe"
	default:
		return "/etc/talkme"
	}
}
