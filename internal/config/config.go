package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	envVarEnvFile         = "CODEDROP_ENV_FILE"
	envVarListenAddr      = "CODEDROP_LISTEN_ADDR"
	envVarPublicBaseURL   = "CODEDROP_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CODEDROP_LOG_FORMAT"
	envVarLogLevel        = "CODEDROP_LOG_LEVEL"
	envVarShutdownTimeout = "CODEDROP_SHUTDOWN_TIMEOUT"
	envVarMode            = "CODEDROP_MODE"
	envVarTrustProxy      = "CODEDROP_TRUST_PROXY"

	// Session lifecycle.
	envVarTokenSecret      = "CODEDROP_TOKEN_SECRET"
	envVarSessionTTL       = "CODEDROP_SESSION_TTL"
	envVarSessionRetention = "CODEDROP_SESSION_RETENTION"
	envVarMaxReceivers     = "CODEDROP_MAX_RECEIVERS"
	envVarReaperInterval   = "CODEDROP_REAPER_INTERVAL"
	envVarWaitingRoomGrace = "CODEDROP_WAITING_ROOM_GRACE"

	// Per-IP fixed-window limits.
	envVarRateLimitWindow        = "CODEDROP_RATE_LIMIT_WINDOW"
	envVarRateLimitCreateSession = "CODEDROP_RATE_LIMIT_CREATE_SESSION"
	envVarRateLimitLookupSession = "CODEDROP_RATE_LIMIT_LOOKUP_SESSION"
	envVarRateLimitWSConnect     = "CODEDROP_RATE_LIMIT_WS_CONNECT"

	// Session store.
	envVarStoreDriver = "CODEDROP_STORE_DRIVER"
	envVarStoreDSN    = "CODEDROP_STORE_DSN"

	// Cloud transfer mode (S3 / R2).
	envVarCloudEndpoint     = "CODEDROP_CLOUD_ENDPOINT"
	envVarCloudAccountID    = "CODEDROP_CLOUD_ACCOUNT_ID"
	envVarCloudRegion       = "CODEDROP_CLOUD_REGION"
	envVarCloudBucket       = "CODEDROP_CLOUD_BUCKET"
	envVarCloudAccessKey    = "CODEDROP_CLOUD_ACCESS_KEY"
	envVarCloudSecretKey    = "CODEDROP_CLOUD_SECRET_KEY"
	envVarCloudURLTTL       = "CODEDROP_CLOUD_URL_TTL"
	envVarCloudObjectPrefix = "CODEDROP_CLOUD_OBJECT_PREFIX"

	// Session-creation API auth.
	envVarAuthMode    = "AUTH_MODE"
	envVarAPIKey      = "API_KEY"
	envVarJWTSecret   = "JWT_SECRET"
	envVarJWTIssuer   = "JWT_ISSUER"
	envVarJWTAudience = "JWT_AUDIENCE"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueSize        = "SIGNALING_SEND_QUEUE_SIZE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSessionTTL       = 10 * time.Minute
	DefaultSessionRetention = time.Hour
	DefaultMaxReceivers     = 4
	DefaultReaperInterval   = 30 * time.Second
	DefaultWaitingRoomGrace = 2 * time.Minute

	DefaultRateLimitWindow        = time.Minute
	DefaultRateLimitCreateSession = 20
	DefaultRateLimitLookupSession = 30
	DefaultRateLimitWSConnect     = 50

	DefaultStoreDriver = StoreDriverMemory

	DefaultCloudURLTTL       = 15 * time.Minute
	DefaultCloudObjectPrefix = "uploads/"

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueSize        = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "codedrop"

	// Below this length a token secret is brute-forceable offline.
	minTokenSecretLen = 32
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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type StoreDriver string

const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverSQLite   StoreDriver = "sqlite"
)

type RateLimit struct {
	Max    int
	Window time.Duration
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type CloudConfig struct {
	Endpoint     string
	AccountID    string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	URLTTL       time.Duration
	ObjectPrefix string
}

func (c CloudConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	// TrustProxy takes the client IP for rate limiting from X-Forwarded-For.
	TrustProxy      bool
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	TokenSecret string
	// TokenSecretGenerated is set when no secret was configured in dev mode
	// and a random one was generated. Tokens then do not survive restarts.
	TokenSecretGenerated bool
	SessionTTL           time.Duration
	SessionRetention     time.Duration
	MaxReceivers         int
	ReaperInterval       time.Duration
	// WaitingRoomGrace is how long past session expiry a room with only one
	// side present is kept before the reaper closes it.
	WaitingRoomGrace time.Duration

	CreateSessionLimit RateLimit
	LookupSessionLimit RateLimit
	WSConnectLimit     RateLimit

	StoreDriver StoreDriver
	StoreDSN    string

	Cloud CloudConfig

	AuthMode    AuthMode
	APIKey      string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueSize        int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It is kept separate
// from Load errors so the broker can still start and serve non-ICE routes.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads an optional .env file (CODEDROP_ENV_FILE, default ".env"), then
// the environment, then command-line flags. Variables already present in the
// environment win over the file.
func Load(args []string) (Config, error) {
	if err := loadDotEnv(os.Getenv(envVarEnvFile)); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args)
}

func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
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
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	trustProxy, err := envBoolOrDefault(lookup, envVarTrustProxy, false)
	if err != nil {
		return Config{}, err
	}
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	tokenSecret := envOrDefault(lookup, envVarTokenSecret, "")
	storeDriverStr := envOrDefault(lookup, envVarStoreDriver, string(DefaultStoreDriver))
	storeDSN := envOrDefault(lookup, envVarStoreDSN, "")

	cloudCfg := CloudConfig{
		Endpoint:     envOrDefault(lookup, envVarCloudEndpoint, ""),
		AccountID:    envOrDefault(lookup, envVarCloudAccountID, ""),
		Region:       envOrDefault(lookup, envVarCloudRegion, ""),
		Bucket:       envOrDefault(lookup, envVarCloudBucket, ""),
		AccessKey:    envOrDefault(lookup, envVarCloudAccessKey, ""),
		SecretKey:    envOrDefault(lookup, envVarCloudSecretKey, ""),
		ObjectPrefix: envOrDefault(lookup, envVarCloudObjectPrefix, DefaultCloudObjectPrefix),
	}

	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtIssuer := envOrDefault(lookup, envVarJWTIssuer, "")
	jwtAudience := envOrDefault(lookup, envVarJWTAudience, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	var (
		shutdownTimeout         time.Duration
		sessionTTL              time.Duration
		sessionRetention        time.Duration
		reaperInterval          time.Duration
		waitingRoomGrace        time.Duration
		rateLimitWindow         time.Duration
		cloudURLTTL             time.Duration
		signalingWSIdleTimeout  time.Duration
		signalingWSPingInterval time.Duration
	)
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{envVarShutdownTimeout, DefaultShutdown, &shutdownTimeout},
		{envVarSessionTTL, DefaultSessionTTL, &sessionTTL},
		{envVarSessionRetention, DefaultSessionRetention, &sessionRetention},
		{envVarReaperInterval, DefaultReaperInterval, &reaperInterval},
		{envVarWaitingRoomGrace, DefaultWaitingRoomGrace, &waitingRoomGrace},
		{envVarRateLimitWindow, DefaultRateLimitWindow, &rateLimitWindow},
		{envVarCloudURLTTL, DefaultCloudURLTTL, &cloudURLTTL},
		{envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout, &signalingWSIdleTimeout},
		{envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval, &signalingWSPingInterval},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	maxReceivers, err := envIntOrDefault(lookup, envVarMaxReceivers, DefaultMaxReceivers)
	if err != nil {
		return Config{}, err
	}
	rateLimitCreate, err := envIntOrDefault(lookup, envVarRateLimitCreateSession, DefaultRateLimitCreateSession)
	if err != nil {
		return Config{}, err
	}
	rateLimitLookup, err := envIntOrDefault(lookup, envVarRateLimitLookupSession, DefaultRateLimitLookupSession)
	if err != nil {
		return Config{}, err
	}
	rateLimitWSConnect, err := envIntOrDefault(lookup, envVarRateLimitWSConnect, DefaultRateLimitWSConnect)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueSize, err := envIntOrDefault(lookup, envVarSignalingSendQueueSize, DefaultSignalingSendQueueSize)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs := flag.NewFlagSet("codedrop-broker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.BoolVar(&trustProxy, "trust-proxy", trustProxy, "Take the client IP from X-Forwarded-For (env "+envVarTrustProxy+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&tokenSecret, "token-secret", tokenSecret, "Secret used to sign session tokens (env "+envVarTokenSecret+")")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "How long a new session may wait for signaling to begin (env "+envVarSessionTTL+")")
	fs.DurationVar(&sessionRetention, "session-retention", sessionRetention, "Keep finished sessions this long past expiry before purging (env "+envVarSessionRetention+")")
	fs.IntVar(&maxReceivers, "max-receivers", maxReceivers, "Max concurrent receivers in a multi-share room (env "+envVarMaxReceivers+")")
	fs.DurationVar(&reaperInterval, "reaper-interval", reaperInterval, "Interval between room/rate-limit/session sweeps (env "+envVarReaperInterval+")")
	fs.DurationVar(&waitingRoomGrace, "waiting-room-grace", waitingRoomGrace, "Close half-joined rooms this long after their session expires (env "+envVarWaitingRoomGrace+")")

	fs.DurationVar(&rateLimitWindow, "rate-limit-window", rateLimitWindow, "Fixed window for per-IP rate limits (env "+envVarRateLimitWindow+")")
	fs.IntVar(&rateLimitCreate, "rate-limit-create-session", rateLimitCreate, "POST /api/sessions per IP per window (0 = unlimited)")
	fs.IntVar(&rateLimitLookup, "rate-limit-lookup-session", rateLimitLookup, "GET /api/sessions/{code} per IP per window (0 = unlimited)")
	fs.IntVar(&rateLimitWSConnect, "rate-limit-ws-connect", rateLimitWSConnect, "WebSocket upgrades per IP per window (0 = unlimited)")

	fs.StringVar(&storeDriverStr, "store-driver", storeDriverStr, "Session store: memory, postgres or sqlite (env "+envVarStoreDriver+")")
	fs.StringVar(&storeDSN, "store-dsn", storeDSN, "Session store DSN (env "+envVarStoreDSN+")")

	fs.StringVar(&cloudCfg.Endpoint, "cloud-endpoint", cloudCfg.Endpoint, "S3 endpoint override (env "+envVarCloudEndpoint+")")
	fs.StringVar(&cloudCfg.AccountID, "cloud-account-id", cloudCfg.AccountID, "Cloudflare R2 account id (env "+envVarCloudAccountID+")")
	fs.StringVar(&cloudCfg.Region, "cloud-region", cloudCfg.Region, "S3 region (env "+envVarCloudRegion+")")
	fs.StringVar(&cloudCfg.Bucket, "cloud-bucket", cloudCfg.Bucket, "Bucket for cloud transfers; empty disables cloud mode (env "+envVarCloudBucket+")")
	fs.StringVar(&cloudCfg.ObjectPrefix, "cloud-object-prefix", cloudCfg.ObjectPrefix, "Object key prefix for cloud transfers (env "+envVarCloudObjectPrefix+")")
	fs.DurationVar(&cloudURLTTL, "cloud-url-ttl", cloudURLTTL, "Presigned URL lifetime (env "+envVarCloudURLTTL+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Session-creation API auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtIssuer, "jwt-issuer", jwtIssuer, "Required JWT iss claim (env "+envVarJWTIssuer+")")
	fs.StringVar(&jwtAudience, "jwt-audience", jwtAudience, "Required JWT aud claim (env "+envVarJWTAudience+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueueSize, "signaling-send-queue-size", signalingSendQueueSize, "Outbound messages buffered per connection before it is closed (env "+envVarSignalingSendQueueSize+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

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
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	storeDriver, err := parseStoreDriver(storeDriverStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("--shutdown-timeout must be > 0")
	}
	if sessionTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--session-ttl must be > 0", envVarSessionTTL)
	}
	if sessionRetention < 0 {
		return Config{}, fmt.Errorf("%s/--session-retention must be >= 0", envVarSessionRetention)
	}
	if maxReceivers <= 0 {
		return Config{}, fmt.Errorf("%s/--max-receivers must be > 0", envVarMaxReceivers)
	}
	if reaperInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--reaper-interval must be > 0", envVarReaperInterval)
	}
	if waitingRoomGrace < 0 {
		return Config{}, fmt.Errorf("%s/--waiting-room-grace must be >= 0", envVarWaitingRoomGrace)
	}
	if rateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit-window must be > 0", envVarRateLimitWindow)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-size must be > 0", envVarSignalingSendQueueSize)
	}

	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}

	if storeDriver != StoreDriverMemory && strings.TrimSpace(storeDSN) == "" {
		return Config{}, fmt.Errorf("%s/--store-dsn must be set when %s=%s", envVarStoreDSN, envVarStoreDriver, storeDriver)
	}

	cloudCfg.URLTTL = cloudURLTTL
	if cloudCfg.Enabled() {
		if cloudCfg.AccessKey == "" || cloudCfg.SecretKey == "" {
			return Config{}, fmt.Errorf("%s and %s must be set when %s is set", envVarCloudAccessKey, envVarCloudSecretKey, envVarCloudBucket)
		}
		if cloudCfg.Endpoint != "" {
			if u, err := url.Parse(cloudCfg.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				return Config{}, fmt.Errorf("invalid %s %q (expected absolute URL)", envVarCloudEndpoint, cloudCfg.Endpoint)
			}
		}
		if cloudURLTTL <= 0 {
			return Config{}, fmt.Errorf("%s/--cloud-url-ttl must be > 0", envVarCloudURLTTL)
		}
	}

	if turnRESTSharedSecret != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	tokenSecretGenerated := false
	switch {
	case tokenSecret != "":
		if mode == ModeProd && len(tokenSecret) < minTokenSecretLen {
			return Config{}, fmt.Errorf("%s must be at least %d bytes in prod mode", envVarTokenSecret, minTokenSecretLen)
		}
	case mode == ModeProd:
		return Config{}, fmt.Errorf("%s/--token-secret must be set in prod mode", envVarTokenSecret)
	default:
		tokenSecret, err = randomSecret()
		if err != nil {
			return Config{}, err
		}
		tokenSecretGenerated = true
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		TrustProxy:      trustProxy,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		TokenSecret:          tokenSecret,
		TokenSecretGenerated: tokenSecretGenerated,
		SessionTTL:           sessionTTL,
		SessionRetention:     sessionRetention,
		MaxReceivers:         maxReceivers,
		ReaperInterval:       reaperInterval,
		WaitingRoomGrace:     waitingRoomGrace,

		CreateSessionLimit: RateLimit{Max: rateLimitCreate, Window: rateLimitWindow},
		LookupSessionLimit: RateLimit{Max: rateLimitLookup, Window: rateLimitWindow},
		WSConnectLimit:     RateLimit{Max: rateLimitWSConnect, Window: rateLimitWindow},

		StoreDriver: storeDriver,
		StoreDSN:    storeDSN,

		Cloud: cloudCfg,

		AuthMode:    authMode,
		APIKey:      apiKey,
		JWTSecret:   jwtSecret,
		JWTIssuer:   jwtIssuer,
		JWTAudience: jwtAudience,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueSize:        signalingSendQueueSize,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := ICESource{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
		MintTURN:       cfg.TURNREST.Enabled(),
	}.Servers()
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

func randomSecret() (string, error) {
	b := make([]byte, minTokenSecretLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
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
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseStoreDriver(raw string) (StoreDriver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreDriverMemory), "":
		return StoreDriverMemory, nil
	case string(StoreDriverPostgres), "postgresql":
		return StoreDriverPostgres, nil
	case string(StoreDriverSQLite), "sqlite3":
		return StoreDriverSQLite, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreDriver, raw, StoreDriverMemory, StoreDriverPostgres, StoreDriverSQLite)
	}
}

// parseAllowedOrigins accepts "*" or full origins (scheme://host[:port]) and
// returns them lowercased without trailing slashes.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		u, err := url.Parse(entry)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" ||
			(u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}

	return out, nil
}
