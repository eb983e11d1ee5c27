// Package config loads the relay's runtime configuration.
//
// Precedence, lowest to highest: built-in defaults, the optional YAML config
// file, environment variables, command-line flags.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/peerdrop/relay/internal/origin"
)

const (
	envVarHost           = "WS_HOST"
	envVarPort           = "WS_PORT"
	envVarBehindProxy    = "WS_BEHIND_PROXY"
	envVarAllowedOrigins = "ALLOWED_ORIGINS"

	envVarConfigFile      = "PEERDROP_CONFIG_FILE"
	envVarLogFormat       = "PEERDROP_LOG_FORMAT"
	envVarLogLevel        = "PEERDROP_LOG_LEVEL"
	envVarShutdownTimeout = "PEERDROP_SHUTDOWN_TIMEOUT"

	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxClients           = "MAX_CLIENTS"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarClientIdleTimeout    = "CLIENT_IDLE_TIMEOUT"
	envVarBrokenSweepInterval  = "BROKEN_SWEEP_INTERVAL"
	envVarPingInterval         = "PING_INTERVAL"
	envVarIdleSweepInterval    = "IDLE_SWEEP_INTERVAL"

	envVarNoticeText = "NOTICE_TEXT"
	envVarNoticeURL  = "NOTICE_URL"

	envVarICEServersJSON = "ICE_SERVERS_JSON"
	envVarSTUNServer     = "STUN_SERVER"
	envVarTURNMode       = "TURN_MODE"
	envVarTURNServer     = "TURN_SERVER"
	envVarTURNUsername   = "TURN_USERNAME"
	envVarTURNCredential = "TURN_CREDENTIAL"
	envVarTURNSecret     = "TURN_SECRET"
	envVarTURNTTL        = "TURN_CREDENTIAL_TTL"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 5000

	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultClientIdleTimeout    = 20 * time.Second
	DefaultBrokenSweepInterval  = 1 * time.Second
	DefaultPingInterval         = 5 * time.Second
	DefaultIdleSweepInterval    = 10 * time.Second

	DefaultTURNTTL = time.Hour
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Host        string
	Port        int
	BehindProxy bool

	AllowedOrigins []string

	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	MaxMessageBytes      int64
	MaxClients           int
	MaxMessagesPerSecond int

	ClientIdleTimeout   time.Duration
	BrokenSweepInterval time.Duration
	PingInterval        time.Duration
	IdleSweepInterval   time.Duration

	NoticeText string
	NoticeURL  string

	// ICEServers overrides the STUN/TURN fields when non-empty.
	ICEServers []webrtc.ICEServer

	STUNServer     string
	TURNMode       string
	TURNServer     string
	TURNUsername   string
	TURNCredential string
	TURNSecret     string
	TURNTTL        time.Duration
}

// ListenAddr returns the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// fileConfig is the YAML overlay shape. Pointer fields distinguish "absent"
// from zero so the file only overrides what it actually sets.
type fileConfig struct {
	Host           *string   `yaml:"host"`
	Port           *int      `yaml:"port"`
	BehindProxy    *bool     `yaml:"behind_proxy"`
	AllowedOrigins *[]string `yaml:"allowed_origins"`

	LogFormat       *string `yaml:"log_format"`
	LogLevel        *string `yaml:"log_level"`
	ShutdownTimeout *string `yaml:"shutdown_timeout"`

	MaxMessageBytes      *int64 `yaml:"max_message_bytes"`
	MaxClients           *int   `yaml:"max_clients"`
	MaxMessagesPerSecond *int   `yaml:"max_messages_per_second"`

	ClientIdleTimeout   *string `yaml:"client_idle_timeout"`
	BrokenSweepInterval *string `yaml:"broken_sweep_interval"`
	PingInterval        *string `yaml:"ping_interval"`
	IdleSweepInterval   *string `yaml:"idle_sweep_interval"`

	NoticeText *string `yaml:"notice_text"`
	NoticeURL  *string `yaml:"notice_url"`

	ICEServersJSON *string `yaml:"ice_servers_json"`
	STUNServer     *string `yaml:"stun_server"`

	TURN *struct {
		Mode          *string `yaml:"mode"`
		Server        *string `yaml:"server"`
		Username      *string `yaml:"username"`
		Credential    *string `yaml:"credential"`
		Secret        *string `yaml:"secret"`
		CredentialTTL *string `yaml:"credential_ttl"`
	} `yaml:"turn"`
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	// Working values, built up layer by layer.
	host := DefaultHost
	port := DefaultPort
	behindProxy := false
	allowedOriginsStr := ""
	logFormatStr := string(LogFormatText)
	logLevelStr := "info"
	shutdownTimeout := DefaultShutdownTimeout
	maxMessageBytes := DefaultMaxMessageBytes
	maxClients := 0
	maxMessagesPerSecond := DefaultMaxMessagesPerSecond
	clientIdleTimeout := DefaultClientIdleTimeout
	brokenSweepInterval := DefaultBrokenSweepInterval
	pingInterval := DefaultPingInterval
	idleSweepInterval := DefaultIdleSweepInterval
	noticeText := ""
	noticeURL := ""
	iceServersJSON := ""
	stunServer := ""
	turnMode := ""
	turnServer := ""
	turnUsername := ""
	turnCredential := ""
	turnSecret := ""
	turnTTL := DefaultTURNTTL

	// Config file: -config beats PEERDROP_CONFIG_FILE. The path has to be
	// known before flags override file values, so it is scanned out of args
	// rather than registered as a flag.
	configPath := envOrDefault(lookup, envVarConfigFile, "")
	if fromArgs, ok := configPathFromArgs(args); ok {
		configPath = fromArgs
	}
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", configPath, err)
		}

		setString(&host, fc.Host)
		setInt(&port, fc.Port)
		if fc.BehindProxy != nil {
			behindProxy = *fc.BehindProxy
		}
		if fc.AllowedOrigins != nil {
			allowedOriginsStr = strings.Join(*fc.AllowedOrigins, ",")
		}
		setString(&logFormatStr, fc.LogFormat)
		setString(&logLevelStr, fc.LogLevel)
		if err := setDuration(&shutdownTimeout, fc.ShutdownTimeout, "shutdown_timeout"); err != nil {
			return Config{}, err
		}
		if fc.MaxMessageBytes != nil {
			maxMessageBytes = *fc.MaxMessageBytes
		}
		setInt(&maxClients, fc.MaxClients)
		setInt(&maxMessagesPerSecond, fc.MaxMessagesPerSecond)
		if err := setDuration(&clientIdleTimeout, fc.ClientIdleTimeout, "client_idle_timeout"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&brokenSweepInterval, fc.BrokenSweepInterval, "broken_sweep_interval"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&pingInterval, fc.PingInterval, "ping_interval"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&idleSweepInterval, fc.IdleSweepInterval, "idle_sweep_interval"); err != nil {
			return Config{}, err
		}
		setString(&noticeText, fc.NoticeText)
		setString(&noticeURL, fc.NoticeURL)
		setString(&iceServersJSON, fc.ICEServersJSON)
		setString(&stunServer, fc.STUNServer)
		if fc.TURN != nil {
			setString(&turnMode, fc.TURN.Mode)
			setString(&turnServer, fc.TURN.Server)
			setString(&turnUsername, fc.TURN.Username)
			setString(&turnCredential, fc.TURN.Credential)
			setString(&turnSecret, fc.TURN.Secret)
			if err := setDuration(&turnTTL, fc.TURN.CredentialTTL, "turn.credential_ttl"); err != nil {
				return Config{}, err
			}
		}
	}

	// Environment layer.
	host = envOrDefault(lookup, envVarHost, host)
	if raw, ok := lookup(envVarPort); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPort, raw, err)
		}
		port = n
	}
	if raw, ok := lookup(envVarBehindProxy); ok && strings.TrimSpace(raw) != "" {
		behindProxy = parseTruthy(raw)
	}
	allowedOriginsStr = envOrDefault(lookup, envVarAllowedOrigins, allowedOriginsStr)
	logFormatStr = envOrDefault(lookup, envVarLogFormat, logFormatStr)
	logLevelStr = envOrDefault(lookup, envVarLogLevel, logLevelStr)
	var err error
	if shutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, shutdownTimeout); err != nil {
		return Config{}, err
	}
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	if maxClients, err = envIntOrDefault(lookup, envVarMaxClients, maxClients); err != nil {
		return Config{}, err
	}
	if maxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, maxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if clientIdleTimeout, err = envDurationOrDefault(lookup, envVarClientIdleTimeout, clientIdleTimeout); err != nil {
		return Config{}, err
	}
	if brokenSweepInterval, err = envDurationOrDefault(lookup, envVarBrokenSweepInterval, brokenSweepInterval); err != nil {
		return Config{}, err
	}
	if pingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, pingInterval); err != nil {
		return Config{}, err
	}
	if idleSweepInterval, err = envDurationOrDefault(lookup, envVarIdleSweepInterval, idleSweepInterval); err != nil {
		return Config{}, err
	}
	noticeText = envOrDefault(lookup, envVarNoticeText, noticeText)
	noticeURL = envOrDefault(lookup, envVarNoticeURL, noticeURL)
	iceServersJSON = envOrDefault(lookup, envVarICEServersJSON, iceServersJSON)
	stunServer = envOrDefault(lookup, envVarSTUNServer, stunServer)
	turnMode = envOrDefault(lookup, envVarTURNMode, turnMode)
	turnServer = envOrDefault(lookup, envVarTURNServer, turnServer)
	turnUsername = envOrDefault(lookup, envVarTURNUsername, turnUsername)
	turnCredential = envOrDefault(lookup, envVarTURNCredential, turnCredential)
	turnSecret = envOrDefault(lookup, envVarTURNSecret, turnSecret)
	if turnTTL, err = envDurationOrDefault(lookup, envVarTURNTTL, turnTTL); err != nil {
		return Config{}, err
	}

	// Flag layer.
	fs := flag.NewFlagSet("peerdrop-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFlag string
	fs.StringVar(&configFlag, "config", configPath, "Path to YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&host, "host", host, "Listen host (env "+envVarHost+")")
	fs.IntVar(&port, "port", port, "Listen port (env "+envVarPort+")")
	fs.BoolVar(&behindProxy, "behind-proxy", behindProxy, "Trust X-Forwarded-For for client addresses (env "+envVarBehindProxy+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins, empty allows all (env "+envVarAllowedOrigins+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxClients, "max-clients", maxClients, "Max concurrent clients, 0 = unlimited (env "+envVarMaxClients+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound messages per second per connection, 0 = unlimited (env "+envVarMaxMessagesPerSecond+")")
	fs.DurationVar(&clientIdleTimeout, "client-idle-timeout", clientIdleTimeout, "Evict clients silent for this long (env "+envVarClientIdleTimeout+")")
	fs.DurationVar(&brokenSweepInterval, "broken-sweep-interval", brokenSweepInterval, "Interval between dead-transport sweeps (env "+envVarBrokenSweepInterval+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Interval between keepalive pings (env "+envVarPingInterval+")")
	fs.DurationVar(&idleSweepInterval, "idle-sweep-interval", idleSweepInterval, "Interval between idle-client sweeps (env "+envVarIdleSweepInterval+")")
	fs.StringVar(&noticeText, "notice-text", noticeText, "Operator notice shown to clients on connect (env "+envVarNoticeText+")")
	fs.StringVar(&noticeURL, "notice-url", noticeURL, "Link attached to the operator notice (env "+envVarNoticeURL+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "Full ICE server list as JSON, overrides stun/turn settings (env "+envVarICEServersJSON+")")
	fs.StringVar(&stunServer, "stun-server", stunServer, "STUN server url (env "+envVarSTUNServer+")")
	fs.StringVar(&turnMode, "turn-mode", turnMode, "TURN credential mode: default or hmac (env "+envVarTURNMode+")")
	fs.StringVar(&turnServer, "turn-server", turnServer, "TURN server url (env "+envVarTURNServer+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envVarTURNUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential for default mode (env "+envVarTURNCredential+")")
	fs.StringVar(&turnSecret, "turn-secret", turnSecret, "TURN shared secret for hmac mode (env "+envVarTURNSecret+")")
	fs.DurationVar(&turnTTL, "turn-credential-ttl", turnTTL, "Lifetime of hmac TURN credentials (env "+envVarTURNTTL+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if port < 1 || port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", port)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max message bytes must be > 0, got %d", maxMessageBytes)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, ok := origin.ParseAllowlist(allowedOriginsStr)
	if !ok {
		return Config{}, fmt.Errorf("invalid %s %q (expected full origins like https://example.com)", envVarAllowedOrigins, allowedOriginsStr)
	}

	var iceServers []webrtc.ICEServer
	if strings.TrimSpace(iceServersJSON) != "" {
		iceServers, err = ParseICEServersJSON(iceServersJSON)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
	}

	return Config{
		Host:                 host,
		Port:                 port,
		BehindProxy:          behindProxy,
		AllowedOrigins:       allowedOrigins,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      shutdownTimeout,
		MaxMessageBytes:      maxMessageBytes,
		MaxClients:           maxClients,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		ClientIdleTimeout:    clientIdleTimeout,
		BrokenSweepInterval:  brokenSweepInterval,
		PingInterval:         pingInterval,
		IdleSweepInterval:    idleSweepInterval,
		NoticeText:           noticeText,
		NoticeURL:            noticeURL,
		ICEServers:           iceServers,
		STUNServer:           stunServer,
		TURNMode:             turnMode,
		TURNServer:           turnServer,
		TURNUsername:         turnUsername,
		TURNCredential:       turnCredential,
		TURNSecret:           turnSecret,
		TURNTTL:              turnTTL,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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

func configPathFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", false
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if name != "-config" && name != "--config" {
			continue
		}
		if hasValue {
			return value, true
		}
		if i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
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

// parseTruthy matches the loose boolean convention of the original
// deployment's env vars: "true", "yes" and "1" enable, anything else doesn't.
func parseTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil || strings.TrimSpace(*src) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*src))
	if err != nil {
		return fmt.Errorf("config file %s %q: %w", field, *src, err)
	}
	*dst = d
	return nil
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
