package main

import (
	"log/slog"

	"github.com/DeclanJeon/ponswarp-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Turn.Enabled() {
		logger.Warn("startup warning: TURN_SECRET is unset; TURN credential requests will be rejected",
			"warning_code", "turn_disabled",
			"mode", cfg.Mode,
		)
	} else if cfg.Turn.ServerHost == "" {
		logger.Warn("startup warning: TURN_SECRET is set but TURN_SERVER_HOST is empty; RequestTurnConfig will report TURN as unconfigured",
			"warning_code", "turn_host_missing",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "cors_origins_wildcard",
			"cors_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty in prod; only same-host browser clients will be accepted",
			"warning_code", "cors_origins_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxRoomSize <= 0 {
		logger.Warn("startup warning: MAX_ROOM_SIZE <= 0 disables the room size cap",
			"warning_code", "room_size_uncapped",
			"max_room_size", cfg.MaxRoomSize,
			"mode", cfg.Mode,
		)
	}
}

func containsString(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
