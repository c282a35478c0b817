package main

import (
	"log/slog"
	"slices"

	"github.com/codedrop/broker/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone create sessions",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.TokenSecretGenerated {
		logger.Warn("startup security warning: CODEDROP_TOKEN_SECRET is unset; using a random secret (session tokens do not survive restarts or work across instances)",
			"warning_code", "token_secret_generated",
			"mode", cfg.Mode,
		)
	}

	if cfg.TrustProxy {
		logger.Warn("startup security warning: CODEDROP_TRUST_PROXY=true takes client IPs from X-Forwarded-For (spoofable unless a proxy overwrites it)",
			"warning_code", "trust_proxy_enabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("startup security warning: memory session store while --mode=prod (sessions are lost on restart and not shared across instances)",
			"warning_code", "memory_store_in_prod",
			"store_driver", cfg.StoreDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd {
		for name, limit := range map[string]config.RateLimit{
			"create_session": cfg.CreateSessionLimit,
			"lookup_session": cfg.LookupSessionLimit,
			"ws_connect":     cfg.WSConnectLimit,
		} {
			if limit.Max > 0 && limit.Window > 0 {
				continue
			}
			logger.Warn("startup security warning: rate limit disabled while --mode=prod",
				"warning_code", "rate_limit_disabled_in_prod",
				"limit", name,
				"mode", cfg.Mode,
			)
		}
	}

	if !cfg.TURNREST.Enabled() && cfg.ICEConfigError() == nil && !hasTURNServer(cfg) {
		logger.Warn("startup warning: no TURN server configured (peers behind symmetric NATs will fail to connect)",
			"warning_code", "no_turn_server",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /webrtc/ice and /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		if config.IsTURNServer(server) {
			return true
		}
	}
	return false
}
