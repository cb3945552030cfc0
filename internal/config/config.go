package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarCORSOrigin      = "CORS_ORIGIN"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Room lifecycle.
	envVarMaxViewersPerRoom = "MAX_VIEWERS_PER_ROOM"
	envVarSweepInterval     = "SWEEP_INTERVAL"
	envVarRoomIdleThreshold = "ROOM_IDLE_THRESHOLD"

	// WebSocket keepalive + inbound hardening.
	envVarHeartbeatTimeout              = "HEARTBEAT_TIMEOUT"
	envVarHeartbeatInterval             = "HEARTBEAT_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr             = "127.0.0.1:3001"
	DefaultCORSOrigin             = "*"
	DefaultShutdownTimeout        = 15 * time.Second
	DefaultMode              Mode = ModeDev
	DefaultSweepInterval          = 60 * time.Second
	DefaultRoomIdleThreshold      = 5 * time.Minute

	DefaultHeartbeatTimeout              = 20 * time.Second
	DefaultHeartbeatInterval             = 10 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	CORSOrigin      string
	ShutdownTimeout time.Duration

	// MaxViewersPerRoom caps viewers per room. Zero means unlimited.
	MaxViewersPerRoom int
	SweepInterval     time.Duration
	RoomIdleThreshold time.Duration

	HeartbeatTimeout              time.Duration
	HeartbeatInterval             time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.Stderr, args)
}

// load is pure apart from out, which receives flag usage and parse errors.
// Tests pass a fake lookup and io.Discard.
func load(lookup func(string) (string, bool), out io.Writer, args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	corsOrigin := envOrDefault(lookup, envVarCORSOrigin, DefaultCORSOrigin)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	roomIdleThreshold, err := envDurationOrDefault(lookup, envVarRoomIdleThreshold, DefaultRoomIdleThreshold)
	if err != nil {
		return Config{}, err
	}
	heartbeatTimeout, err := envDurationOrDefault(lookup, envVarHeartbeatTimeout, DefaultHeartbeatTimeout)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}

	maxViewersPerRoom, err := envIntOrDefault(lookup, envVarMaxViewersPerRoom, 0)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	modeStr := modeDefault
	logFormatStr := logFormatDefault
	logLevelStr := logLevelDefault

	fs := flag.NewFlagSet("signaling-server", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.StringVar(&corsOrigin, "cors-origin", corsOrigin, "Comma-separated allowed browser origins, or * (env "+envVarCORSOrigin+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.IntVar(&maxViewersPerRoom, "max-viewers-per-room", maxViewersPerRoom, "Viewer cap per room (0 = unlimited; env "+envVarMaxViewersPerRoom+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "How often the inactivity sweeper runs (env "+envVarSweepInterval+")")
	fs.DurationVar(&roomIdleThreshold, "room-idle-threshold", roomIdleThreshold, "Idle age after which sharer-less rooms are evicted (env "+envVarRoomIdleThreshold+")")
	fs.DurationVar(&heartbeatTimeout, "heartbeat-timeout", heartbeatTimeout, "WebSocket pong deadline (env "+envVarHeartbeatTimeout+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "WebSocket ping interval (env "+envVarHeartbeatInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Inbound signaling message rate limit per connection (env "+envVarMaxSignalingMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	if maxViewersPerRoom < 0 {
		return Config{}, fmt.Errorf("invalid %s: must be >= 0", envVarMaxViewersPerRoom)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarSweepInterval)
	}
	if roomIdleThreshold <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarRoomIdleThreshold)
	}
	if heartbeatTimeout <= 0 || heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("heartbeat timeout and interval must be > 0")
	}
	if heartbeatInterval >= heartbeatTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarHeartbeatInterval, heartbeatInterval, envVarHeartbeatTimeout, heartbeatTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		CORSOrigin:      corsOrigin,
		ShutdownTimeout: shutdownTimeout,

		MaxViewersPerRoom: maxViewersPerRoom,
		SweepInterval:     sweepInterval,
		RoomIdleThreshold: roomIdleThreshold,

		HeartbeatTimeout:              heartbeatTimeout,
		HeartbeatInterval:             heartbeatInterval,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// CORSOrigins splits the configured origin list. A lone "*" means any
// origin.
func (c Config) CORSOrigins() []string {
	parts := strings.Split(c.CORSOrigin, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
