package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// jwtSecretEnv supplies the dev server signing secret when the config file
// leaves it empty.
const jwtSecretEnv = "INTERVIEW_JWT_SECRET"

// ClientConfig represents the complete client configuration
type ClientConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Session       SessionConfig       `yaml:"session"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// DevServerConfig represents the complete dev server configuration
type DevServerConfig struct {
	Server   ListenConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains the WebSocket endpoint and connection behavior
type ServerConfig struct {
	URL                  string `yaml:"url"`
	HandshakeTimeout     int    `yaml:"handshake_timeout"`      // seconds
	ReconnectBaseMs      int    `yaml:"reconnect_base_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	PingInterval         int    `yaml:"ping_interval"`          // seconds
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	ChunkDurationMs int `yaml:"chunk_duration_ms"`
}

// StreamingConfig contains frame batching and encoding parameters
type StreamingConfig struct {
	Format          string `yaml:"format"`
	Compress        bool   `yaml:"compress"`
	FlushBytes      int    `yaml:"flush_bytes"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

// SessionConfig contains session membership parameters
type SessionConfig struct {
	JoinTimeout int `yaml:"join_timeout"` // seconds
}

// TranscriptionConfig contains transcript aggregation parameters
type TranscriptionConfig struct {
	RequestTimeout  int `yaml:"request_timeout"`  // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains the stats endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// ListenConfig contains the dev server listen configuration
type ListenConfig struct {
	Address string `yaml:"address"`
	WSPath  string `yaml:"ws_path"`
}

// AuthConfig contains handshake credential configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Required  bool   `yaml:"required"`
}

// SessionsConfig contains server-side session lifecycle parameters
type SessionsConfig struct {
	IdleTimeout     int `yaml:"idle_timeout"`     // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// EngineConfig contains transcription engine configuration
type EngineConfig struct {
	Mode               string `yaml:"mode"`
	Endpoint           string `yaml:"endpoint"`
	APIKey             string `yaml:"api_key"`
	Timeout            int    `yaml:"timeout"` // seconds
	MaxRetries         int    `yaml:"max_retries"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
	UtteranceSilenceMs int    `yaml:"utterance_silence_ms"`
	PartialIntervalMs  int    `yaml:"partial_interval_ms"`
}

// LoadClient reads and parses the client configuration file
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ClientConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadDevServer reads and parses the dev server configuration file.
// An empty jwt_secret falls back to the INTERVIEW_JWT_SECRET environment
// variable.
func LoadDevServer(path string) (*DevServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config DevServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if config.Auth.JWTSecret == "" {
		config.Auth.JWTSecret = os.Getenv(jwtSecretEnv)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the client configuration
func (c *ClientConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate performs comprehensive validation of the dev server configuration
func (c *DevServerConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
		return fmt.Errorf("url must start with ws:// or wss://, got '%s'", s.URL)
	}

	if s.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", s.HandshakeTimeout)
	}

	if s.ReconnectBaseMs < 100 {
		return fmt.Errorf("reconnect_base_ms must be at least 100, got %d", s.ReconnectBaseMs)
	}

	if s.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max_reconnect_attempts must be at least 1, got %d", s.MaxReconnectAttempts)
	}

	if s.PingInterval < 5 {
		return fmt.Errorf("ping_interval must be at least 5 seconds, got %d", s.PingInterval)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", a.Channels)
	}

	if a.ChunkDurationMs < 5 || a.ChunkDurationMs > 100 {
		return fmt.Errorf("chunk_duration_ms must be between 5 and 100, got %d", a.ChunkDurationMs)
	}

	return nil
}

// Validate validates streaming configuration
func (s *StreamingConfig) Validate() error {
	validFormats := map[string]bool{"pcm16": true, "wav": true}
	if !validFormats[s.Format] {
		return fmt.Errorf("format must be 'pcm16' or 'wav', got '%s'", s.Format)
	}

	if s.FlushBytes < 512 {
		return fmt.Errorf("flush_bytes must be at least 512, got %d", s.FlushBytes)
	}

	if s.FlushIntervalMs < 10 || s.FlushIntervalMs > 1000 {
		return fmt.Errorf("flush_interval_ms must be between 10 and 1000, got %d", s.FlushIntervalMs)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.JoinTimeout < 1 {
		return fmt.Errorf("join_timeout must be at least 1 second, got %d", s.JoinTimeout)
	}

	return nil
}

// Validate validates transcription configuration. The request timeout window
// keeps abandoned requests from lingering while tolerating slow engines.
func (t *TranscriptionConfig) Validate() error {
	if t.RequestTimeout < 10 || t.RequestTimeout > 15 {
		return fmt.Errorf("request_timeout must be between 10 and 15 seconds, got %d", t.RequestTimeout)
	}

	if t.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", t.CleanupInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty when metrics are enabled")
	}

	return nil
}

// Validate validates listen configuration
func (l *ListenConfig) Validate() error {
	if l.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !strings.HasPrefix(l.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/', got '%s'", l.WSPath)
	}

	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if a.Required && a.JWTSecret == "" {
		return fmt.Errorf("jwt_secret cannot be empty when auth is required (set it or %s)", jwtSecretEnv)
	}

	return nil
}

// Validate validates sessions configuration
func (s *SessionsConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	validModes := map[string]bool{"canned": true, "external": true}
	if !validModes[e.Mode] {
		return fmt.Errorf("mode must be 'canned' or 'external', got '%s'", e.Mode)
	}

	if e.Mode == "external" {
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty in external mode")
		}

		if e.Timeout < 1 {
			return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
		}

		if e.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
		}

		if e.MaxConcurrent < 1 {
			return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
		}
	}

	if e.UtteranceSilenceMs < 100 || e.UtteranceSilenceMs > 5000 {
		return fmt.Errorf("utterance_silence_ms must be between 100 and 5000, got %d", e.UtteranceSilenceMs)
	}

	if e.PartialIntervalMs < 100 || e.PartialIntervalMs > 5000 {
		return fmt.Errorf("partial_interval_ms must be between 100 and 5000, got %d", e.PartialIntervalMs)
	}

	return nil
}

// GetHandshakeTimeoutDuration returns the handshake timeout as a time.Duration
func (s *ServerConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(s.HandshakeTimeout) * time.Second
}

// GetReconnectBaseDuration returns the first reconnect delay as a time.Duration
func (s *ServerConfig) GetReconnectBaseDuration() time.Duration {
	return time.Duration(s.ReconnectBaseMs) * time.Millisecond
}

// GetPingIntervalDuration returns the keepalive interval as a time.Duration
func (s *ServerConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// GetChunkDuration returns the capture chunk length as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDurationMs) * time.Millisecond
}

// GetFlushInterval returns the buffer flush interval as a time.Duration
func (s *StreamingConfig) GetFlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

// GetJoinTimeoutDuration returns the join timeout as a time.Duration
func (s *SessionConfig) GetJoinTimeoutDuration() time.Duration {
	return time.Duration(s.JoinTimeout) * time.Second
}

// GetRequestTimeoutDuration returns the request timeout as a time.Duration
func (t *TranscriptionConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(t.RequestTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (t *TranscriptionConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(t.CleanupInterval) * time.Second
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionsConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *SessionsConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetUtteranceSilence returns the silence gap that closes an utterance
func (e *EngineConfig) GetUtteranceSilence() time.Duration {
	return time.Duration(e.UtteranceSilenceMs) * time.Millisecond
}

// GetPartialInterval returns the cadence of rolling partial results
func (e *EngineConfig) GetPartialInterval() time.Duration {
	return time.Duration(e.PartialIntervalMs) * time.Millisecond
}
