// Package config loads client settings from convai.yaml and CONVAI_*
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ICEServer mirrors one entry of ice_servers.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Scribe holds the transcription settings under the scribe key.
type Scribe struct {
	ModelID                 string  `mapstructure:"model_id"`
	Token                   string  `mapstructure:"token"`
	CommitStrategy          string  `mapstructure:"commit_strategy"`
	AudioFormat             string  `mapstructure:"audio_format"`
	LanguageCode            string  `mapstructure:"language_code"`
	IncludeTimestamps       bool    `mapstructure:"include_timestamps"`
	VADSilenceThresholdSecs float64 `mapstructure:"vad_silence_threshold_secs"`
	VADThreshold            float64 `mapstructure:"vad_threshold"`
	MinSpeechDurationMs     int     `mapstructure:"min_speech_duration_ms"`
	MinSilenceDurationMs    int     `mapstructure:"min_silence_duration_ms"`
}

type Config struct {
	APIKey            string `mapstructure:"api_key"`
	AgentID           string `mapstructure:"agent_id"`
	SignedURL         string `mapstructure:"signed_url"`
	ConversationToken string `mapstructure:"conversation_token"`
	ConnectionType    string `mapstructure:"connection_type"`

	ServerOrigin string      `mapstructure:"server_origin"`
	APIOrigin    string      `mapstructure:"api_origin"`
	SignalingURL string      `mapstructure:"signaling_url"`
	ICEServers   []ICEServer `mapstructure:"ice_servers"`

	InputDevice  string  `mapstructure:"input_device"`
	OutputDevice string  `mapstructure:"output_device"`
	DeviceDir    string  `mapstructure:"device_dir"`
	Volume       float64 `mapstructure:"volume"`
	TextOnly     bool    `mapstructure:"text_only"`
	UseWakeLock  bool    `mapstructure:"use_wake_lock"`
	ToolWorkers  int     `mapstructure:"tool_workers"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	Scribe Scribe `mapstructure:"scribe"`
}

func Default() *Config {
	return &Config{
		ServerOrigin:  "wss://api.elevenlabs.io",
		APIOrigin:     "https://api.elevenlabs.io",
		Volume:        1,
		UseWakeLock:   true,
		ToolWorkers:   4,
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  20,
		LogMaxBackups: 3,
		Scribe: Scribe{
			ModelID:                 "scribe_v2_realtime",
			CommitStrategy:          "manual",
			AudioFormat:             "pcm_16000",
			VADSilenceThresholdSecs: 1.5,
			VADThreshold:            0.4,
			MinSpeechDurationMs:     100,
			MinSilenceDurationMs:    100,
		},
	}
}

// Load reads cfgFile, or convai.yaml from the user config directory and the
// working directory. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile)
}

func load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("convai")
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CONVAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api_key", cfg.APIKey)
	v.SetDefault("agent_id", cfg.AgentID)
	v.SetDefault("signed_url", cfg.SignedURL)
	v.SetDefault("conversation_token", cfg.ConversationToken)
	v.SetDefault("connection_type", cfg.ConnectionType)
	v.SetDefault("server_origin", cfg.ServerOrigin)
	v.SetDefault("api_origin", cfg.APIOrigin)
	v.SetDefault("signaling_url", cfg.SignalingURL)
	v.SetDefault("input_device", cfg.InputDevice)
	v.SetDefault("output_device", cfg.OutputDevice)
	v.SetDefault("device_dir", cfg.DeviceDir)
	v.SetDefault("volume", cfg.Volume)
	v.SetDefault("text_only", cfg.TextOnly)
	v.SetDefault("use_wake_lock", cfg.UseWakeLock)
	v.SetDefault("tool_workers", cfg.ToolWorkers)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("scribe.model_id", cfg.Scribe.ModelID)
	v.SetDefault("scribe.token", cfg.Scribe.Token)
	v.SetDefault("scribe.commit_strategy", cfg.Scribe.CommitStrategy)
	v.SetDefault("scribe.audio_format", cfg.Scribe.AudioFormat)
	v.SetDefault("scribe.language_code", cfg.Scribe.LanguageCode)
	v.SetDefault("scribe.include_timestamps", cfg.Scribe.IncludeTimestamps)
	v.SetDefault("scribe.vad_silence_threshold_secs", cfg.Scribe.VADSilenceThresholdSecs)
	v.SetDefault("scribe.vad_threshold", cfg.Scribe.VADThreshold)
	v.SetDefault("scribe.min_speech_duration_ms", cfg.Scribe.MinSpeechDurationMs)
	v.SetDefault("scribe.min_silence_duration_ms", cfg.Scribe.MinSilenceDurationMs)
}

// Save writes cfg to cfgFile with owner-only permissions; it holds the API
// key.
func Save(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = filepath.Join(configDir(), "convai.yaml")
	}
	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	v := viper.New()
	bindDefaults(v, cfg)
	if len(cfg.ICEServers) > 0 {
		servers := make([]map[string]any, 0, len(cfg.ICEServers))
		for _, s := range cfg.ICEServers {
			servers = append(servers, map[string]any{"urls": s.URLs, "username": s.Username, "credential": s.Credential})
		}
		v.Set("ice_servers", servers)
	}
	if err := v.WriteConfigAs(cfgFile); err != nil {
		return err
	}
	return os.Chmod(cfgFile, 0600)
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "convai")
}
