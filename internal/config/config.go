package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr          = "CAMLINK_LISTEN_ADDR"
	envVarRelayURL            = "CAMLINK_RELAY_URL"
	envVarDeviceID            = "CAMLINK_DEVICE_ID"
	envVarCameras             = "CAMLINK_CAMERAS"
	envVarBridgeServicesIn    = "CAMLINK_BRIDGE_SERVICES_IN"
	envVarBridgeServicesOut   = "CAMLINK_BRIDGE_SERVICES_OUT"
	envVarLogFormat           = "CAMLINK_LOG_FORMAT"
	envVarLogLevel            = "CAMLINK_LOG_LEVEL"
	envVarMode                = "CAMLINK_MODE"
	envVarShutdownTimeout     = "CAMLINK_SHUTDOWN_TIMEOUT"
	envVarICEGatheringTimeout = "CAMLINK_ICE_GATHERING_TIMEOUT"
	envVarICETransportPolicy  = "CAMLINK_ICE_TRANSPORT_POLICY"
	envVarUDPPortMin          = "CAMLINK_WEBRTC_UDP_PORT_MIN"
	envVarUDPPortMax          = "CAMLINK_WEBRTC_UDP_PORT_MAX"
	envVarNegotiatesPerMin    = "CAMLINK_NEGOTIATES_PER_MINUTE"
)

const (
	DefaultListenAddr       = "127.0.0.1:8090"
	DefaultShutdown         = 15 * time.Second
	DefaultICEGatherTimeout = 2 * time.Second
	DefaultNegotiatesPerMin = 12

	DefaultMode Mode = ModeDev
)

// DefaultCameras matches the camera configuration of the target device: the
// interior-facing driver camera and the wide road camera.
var DefaultCameras = []string{"driver", "wideRoad"}

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

// UDPPortRange restricts the local UDP ports used for ICE. When nil, pion uses
// OS ephemeral port selection.
type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr string

	// RelayURL is the signaling relay endpoint. A ws:// or wss:// URL selects
	// the WebSocket RPC transport; http:// or https:// selects plain HTTP.
	RelayURL string

	// DeviceID is the default target device for the initial negotiation and
	// for control requests that don't name one.
	DeviceID string

	// Cameras fixes the expected inbound track count and labeling. One
	// receive-only video transceiver is negotiated per camera.
	Cameras []string

	// Bridge services are named auxiliary channels multiplexed alongside
	// media. Both lists default to empty.
	BridgeServicesIn  []string
	BridgeServicesOut []string

	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	// ICEGatheringTimeout bounds how long negotiation waits for candidate
	// gathering before sending the offer as-is.
	ICEGatheringTimeout time.Duration

	ICETransportPolicy webrtc.ICETransportPolicy

	UDPPortRange *UDPPortRange

	// NegotiatesPerMinute bounds reconnect requests on the control surface.
	NegotiatesPerMinute int

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
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

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	relayURL := envOrDefault(lookup, envVarRelayURL, "")
	deviceID := envOrDefault(lookup, envVarDeviceID, "")
	camerasStr := envOrDefault(lookup, envVarCameras, strings.Join(DefaultCameras, ","))
	bridgeInStr := envOrDefault(lookup, envVarBridgeServicesIn, "")
	bridgeOutStr := envOrDefault(lookup, envVarBridgeServicesOut, "")
	icePolicyStr := envOrDefault(lookup, envVarICETransportPolicy, "all")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	iceGatherTimeout := DefaultICEGatherTimeout
	if raw, ok := lookup(envVarICEGatheringTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarICEGatheringTimeout, raw, err)
		}
		iceGatherTimeout = d
	}

	negotiatesPerMin, err := envIntOrDefault(lookup, envVarNegotiatesPerMin, DefaultNegotiatesPerMin)
	if err != nil {
		return Config{}, err
	}

	var udpPortMin uint
	if raw, ok := lookup(envVarUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarUDPPortMin, raw, err)
		}
		udpPortMin = uint(p)
	}
	var udpPortMax uint
	if raw, ok := lookup(envVarUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarUDPPortMax, raw, err)
		}
		udpPortMax = uint(p)
	}

	fs := flag.NewFlagSet("camlink-viewer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) for the status server (env "+envVarListenAddr+")")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay endpoint, ws(s):// or http(s):// (env "+envVarRelayURL+")")
	fs.StringVar(&deviceID, "device", deviceID, "Target device identifier (env "+envVarDeviceID+")")
	fs.StringVar(&camerasStr, "cameras", camerasStr, "Comma-separated camera names to receive (env "+envVarCameras+")")
	fs.StringVar(&bridgeInStr, "bridge-services-in", bridgeInStr, "Comma-separated inbound bridge service names (env "+envVarBridgeServicesIn+")")
	fs.StringVar(&bridgeOutStr, "bridge-services-out", bridgeOutStr, "Comma-separated outbound bridge service names (env "+envVarBridgeServicesOut+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before sending the offer (env "+envVarICEGatheringTimeout+")")
	fs.StringVar(&icePolicyStr, "ice-transport-policy", icePolicyStr, "ICE transport policy: all or relay (env "+envVarICETransportPolicy+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&udpPortMin, "webrtc-udp-port-min", udpPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarUDPPortMin+")")
	fs.UintVar(&udpPortMax, "webrtc-udp-port-max", udpPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarUDPPortMax+")")
	fs.IntVar(&negotiatesPerMin, "negotiates-per-minute", negotiatesPerMin, "Max reconnect requests per minute on the control surface (env "+envVarNegotiatesPerMin+")")

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

	icePolicy, err := parseICETransportPolicy(icePolicyStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if negotiatesPerMin <= 0 {
		return Config{}, fmt.Errorf("%s/--negotiates-per-minute must be > 0", envVarNegotiatesPerMin)
	}

	if strings.TrimSpace(relayURL) == "" {
		return Config{}, fmt.Errorf("%s/--relay-url must be set", envVarRelayURL)
	}
	relayURL = strings.TrimSpace(relayURL)
	u, err := url.Parse(relayURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-url %q: %w", envVarRelayURL, relayURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return Config{}, fmt.Errorf("invalid %s/--relay-url %q (expected ws(s):// or http(s)://)", envVarRelayURL, relayURL)
	}
	if u.Host == "" {
		return Config{}, fmt.Errorf("invalid %s/--relay-url %q (missing host)", envVarRelayURL, relayURL)
	}

	cameras := splitCommaSeparated(camerasStr)
	if len(cameras) == 0 {
		return Config{}, fmt.Errorf("%s/--cameras must name at least one camera", envVarCameras)
	}

	var udpPortRange *UDPPortRange
	if udpPortMin != 0 || udpPortMax != 0 {
		if udpPortMin == 0 || udpPortMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarUDPPortMin, envVarUDPPortMax)
		}
		min, err := parsePortUint(udpPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarUDPPortMin, err)
		}
		max, err := parsePortUint(udpPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		udpPortRange = &UDPPortRange{Min: min, Max: max}
	}

	cfg := Config{
		ListenAddr:          listenAddr,
		RelayURL:            relayURL,
		DeviceID:            strings.TrimSpace(deviceID),
		Cameras:             cameras,
		BridgeServicesIn:    splitCommaSeparated(bridgeInStr),
		BridgeServicesOut:   splitCommaSeparated(bridgeOutStr),
		LogFormat:           logFormat,
		LogLevel:            level,
		Mode:                mode,
		ShutdownTimeout:     shutdownTimeout,
		ICEGatheringTimeout: iceGatherTimeout,
		ICETransportPolicy:  icePolicy,
		UDPPortRange:        udpPortRange,
		NegotiatesPerMinute: negotiatesPerMin,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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

func parseICETransportPolicy(raw string) (webrtc.ICETransportPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "":
		return webrtc.ICETransportPolicyAll, nil
	case "relay":
		return webrtc.ICETransportPolicyRelay, nil
	default:
		return webrtc.ICETransportPolicyAll, fmt.Errorf("invalid %s %q (expected all or relay)", envVarICETransportPolicy, raw)
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
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
