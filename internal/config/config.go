// Package config loads server configuration from environment variables and
// command-line flags. Env values become flag defaults, so flags always win.
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
)

const (
	envVarHost           = "HOST"
	envVarPort           = "PORT"
	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarLogLevel       = "LOG_LEVEL"
	envVarLogFormat      = "LOG_FORMAT"
	envVarMode           = "MODE"

	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	envVarMaxRoomSize       = "MAX_ROOM_SIZE"
	envVarRoomTimeout       = "ROOM_TIMEOUT"
	envVarRoomSweepInterval = "ROOM_SWEEP_INTERVAL"

	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarSendQueueBytes       = "SEND_QUEUE_BYTES"

	envVarTURNSecret          = "TURN_SECRET"
	envVarTURNServerHost      = "TURN_SERVER_HOST"
	envVarTURNRealm           = "TURN_REALM"
	envVarTURNUsernamePrefix  = "TURN_USERNAME_PREFIX"
	envVarTURNCredentialTTL   = "TURN_CREDENTIAL_TTL"
	envVarTURNEnableUDP       = "TURN_ENABLE_UDP"
	envVarTURNEnableTCP       = "TURN_ENABLE_TCP"
	envVarTURNEnableTLS       = "TURN_ENABLE_TLS"
	envVarTURNPortUDP         = "TURN_PORT_UDP"
	envVarTURNPortTCP         = "TURN_PORT_TCP"
	envVarTURNPortTLS         = "TURN_PORT_TLS"
	envVarTURNFallbackServers = "TURN_FALLBACK_SERVERS"

	DefaultHost     = "0.0.0.0"
	DefaultPort     = 5502
	DefaultShutdown = 15 * time.Second

	DefaultMaxRoomSize       = 4
	DefaultRoomTimeout       = time.Hour
	DefaultRoomSweepInterval = 5 * time.Minute

	DefaultWSIdleTimeout        = 90 * time.Second
	DefaultWSPingInterval       = 30 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueBytes       = 1 << 20 // 1MiB

	DefaultTURNCredentialTTL  int64 = 3600
	DefaultTURNUsernamePrefix       = "user"
	DefaultTURNPortUDP        uint  = 3478
	DefaultTURNPortTCP        uint  = 3478
	DefaultTURNPortTLS        uint  = 443

	DefaultMode Mode = ModeDev
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

// TurnConfig configures coturn-style TURN REST credentials and the ICE server
// list advertised to clients. TURN is enabled when the shared secret is set.
type TurnConfig struct {
	SharedSecret   string
	ServerHost     string
	Realm          string
	UsernamePrefix string
	CredentialTTL  int64

	EnableUDP bool
	EnableTCP bool
	EnableTLS bool
	UDPPort   uint16
	TCPPort   uint16
	TLSPort   uint16

	FallbackHosts []string
}

func (c TurnConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	// MaxRoomSize caps room membership; <= 0 means unlimited.
	MaxRoomSize int
	// RoomTimeout is the age after which an idle room is eligible for sweeping.
	RoomTimeout       time.Duration
	RoomSweepInterval time.Duration

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int

	Turn TurnConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	host := envOrDefault(lookup, envVarHost, DefaultHost)
	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	maxRoomSize, err := envIntOrDefault(lookup, envVarMaxRoomSize, DefaultMaxRoomSize)
	if err != nil {
		return Config{}, err
	}
	roomTimeout, err := envDurationOrDefault(lookup, envVarRoomTimeout, DefaultRoomTimeout)
	if err != nil {
		return Config{}, err
	}
	roomSweepInterval, err := envDurationOrDefault(lookup, envVarRoomSweepInterval, DefaultRoomSweepInterval)
	if err != nil {
		return Config{}, err
	}

	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	turnSecret := envOrDefault(lookup, envVarTURNSecret, "")
	turnServerHost := envOrDefault(lookup, envVarTURNServerHost, "")
	turnRealm := envOrDefault(lookup, envVarTURNRealm, "")
	turnUsernamePrefix := envOrDefault(lookup, envVarTURNUsernamePrefix, DefaultTURNUsernamePrefix)
	turnCredentialTTL := DefaultTURNCredentialTTL
	if raw, ok := lookup(envVarTURNCredentialTTL); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNCredentialTTL, raw, err)
		}
		turnCredentialTTL = n
	}
	turnEnableUDP, err := envBoolOrDefault(lookup, envVarTURNEnableUDP, true)
	if err != nil {
		return Config{}, err
	}
	turnEnableTCP, err := envBoolOrDefault(lookup, envVarTURNEnableTCP, true)
	if err != nil {
		return Config{}, err
	}
	turnEnableTLS, err := envBoolOrDefault(lookup, envVarTURNEnableTLS, false)
	if err != nil {
		return Config{}, err
	}
	turnPortUDP := uint(DefaultTURNPortUDP)
	turnPortTCP := uint(DefaultTURNPortTCP)
	turnPortTLS := uint(DefaultTURNPortTLS)
	for _, p := range []struct {
		envVar string
		dst    *uint
	}{
		{envVarTURNPortUDP, &turnPortUDP},
		{envVarTURNPortTCP, &turnPortTCP},
		{envVarTURNPortTLS, &turnPortTLS},
	} {
		if raw, ok := lookup(p.envVar); ok && strings.TrimSpace(raw) != "" {
			v, err := parsePortString(raw)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", p.envVar, raw, err)
			}
			*p.dst = uint(v)
		}
	}
	turnFallbackStr := envOrDefault(lookup, envVarTURNFallbackServers, "")

	fs := flag.NewFlagSet("ponswarp-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&host, "host", host, "Listen host (env "+envVarHost+")")
	fs.IntVar(&port, "port", port, "Listen port (env "+envVarPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.IntVar(&maxRoomSize, "max-room-size", maxRoomSize, "Maximum peers per room, 0 = unlimited (env "+envVarMaxRoomSize+")")
	fs.DurationVar(&roomTimeout, "room-timeout", roomTimeout, "Age after which idle rooms are swept (env "+envVarRoomTimeout+")")
	fs.DurationVar(&roomSweepInterval, "room-sweep-interval", roomSweepInterval, "How often the stale-room sweeper runs (env "+envVarRoomSweepInterval+")")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on WebSocket connections; must be < --ws-idle-timeout (env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per connection before it is closed (env "+envVarSendQueueBytes+")")

	fs.StringVar(&turnSecret, "turn-secret", turnSecret, "TURN REST shared secret; empty disables TURN (env "+envVarTURNSecret+")")
	fs.StringVar(&turnServerHost, "turn-server-host", turnServerHost, "TURN server hostname advertised to clients (env "+envVarTURNServerHost+")")
	fs.StringVar(&turnRealm, "turn-realm", turnRealm, "TURN realm, matching the coturn config (env "+envVarTURNRealm+")")
	fs.StringVar(&turnUsernamePrefix, "turn-username-prefix", turnUsernamePrefix, "TURN REST username prefix (env "+envVarTURNUsernamePrefix+")")
	fs.Int64Var(&turnCredentialTTL, "turn-credential-ttl", turnCredentialTTL, "TURN credential TTL in seconds (env "+envVarTURNCredentialTTL+")")
	fs.BoolVar(&turnEnableUDP, "turn-enable-udp", turnEnableUDP, "Advertise turn: over UDP (env "+envVarTURNEnableUDP+")")
	fs.BoolVar(&turnEnableTCP, "turn-enable-tcp", turnEnableTCP, "Advertise turn: over TCP (env "+envVarTURNEnableTCP+")")
	fs.BoolVar(&turnEnableTLS, "turn-enable-tls", turnEnableTLS, "Advertise turns: over TLS (env "+envVarTURNEnableTLS+")")
	fs.UintVar(&turnPortUDP, "turn-port-udp", turnPortUDP, "TURN UDP port (env "+envVarTURNPortUDP+")")
	fs.UintVar(&turnPortTCP, "turn-port-tcp", turnPortTCP, "TURN TCP port (env "+envVarTURNPortTCP+")")
	fs.UintVar(&turnPortTLS, "turn-port-tls", turnPortTLS, "TURN TLS port (env "+envVarTURNPortTLS+")")
	fs.StringVar(&turnFallbackStr, "turn-fallback-servers", turnFallbackStr, "Comma-separated fallback TURN hostnames (env "+envVarTURNFallbackServers+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(host) == "" {
		return Config{}, fmt.Errorf("%s/--host must not be empty", envVarHost)
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("%s/--port must be in 1..65535; got %d", envVarPort, port)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if roomTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--room-timeout must be > 0", envVarRoomTimeout)
	}
	if roomSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-sweep-interval must be > 0", envVarRoomSweepInterval)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be > 0", envVarSendQueueBytes)
	}

	if strings.TrimSpace(turnSecret) != "" {
		if turnCredentialTTL <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNCredentialTTL, envVarTURNSecret)
		}
		if strings.TrimSpace(turnUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNUsernamePrefix, envVarTURNSecret)
		}
		if strings.Contains(turnUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNUsernamePrefix)
		}
	}

	udpPort, err := parsePortUint(turnPortUDP)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--turn-port-udp: %w", envVarTURNPortUDP, err)
	}
	tcpPort, err := parsePortUint(turnPortTCP)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--turn-port-tcp: %w", envVarTURNPortTCP, err)
	}
	tlsPort, err := parsePortUint(turnPortTLS)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--turn-port-tls: %w", envVarTURNPortTLS, err)
	}

	allowedOrigins := splitCommaList(allowedOriginsStr)
	fallbackHosts := splitCommaList(turnFallbackStr)

	return Config{
		ListenAddr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		Mode:            mode,
		ShutdownTimeout: shutdownTimeout,

		MaxRoomSize:       maxRoomSize,
		RoomTimeout:       roomTimeout,
		RoomSweepInterval: roomSweepInterval,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueBytes:       sendQueueBytes,

		Turn: TurnConfig{
			SharedSecret:   turnSecret,
			ServerHost:     strings.TrimSpace(turnServerHost),
			Realm:          turnRealm,
			UsernamePrefix: turnUsernamePrefix,
			CredentialTTL:  turnCredentialTTL,
			EnableUDP:      turnEnableUDP,
			EnableTCP:      turnEnableTCP,
			EnableTLS:      turnEnableTLS,
			UDPPort:        udpPort,
			TCPPort:        tcpPort,
			TLSPort:        tlsPort,
			FallbackHosts:  fallbackHosts,
		},
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

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// envDurationOrDefault parses a duration env value. Bare integers are treated
// as milliseconds for compatibility with deployments that configure timeouts
// numerically.
func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	trimmed := strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(trimmed)
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

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port must be in 1..65535; got %d", v)
	}
	return uint16(v), nil
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, entry)
	}
	return out
}
