package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/hackgods/appointment-reminder-engine/internal/db"
	"github.com/hackgods/appointment-reminder-engine/internal/logging"
)

// Usage: migrate [up|down|version|force <version>]
func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV")).With().Str("service", "migrate").Logger()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	mg, err := db.NewMigrator(dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("create migrator")
	}
	defer func() { _ = mg.Close() }()

	cmd := "up"
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		if err := mg.Up(); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
	case "down":
		if err := mg.Down(); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
	case "force":
		if len(os.Args) < 3 {
			logger.Fatal().Msg("force requires a version")
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid version")
		}
		if err := mg.Force(version); err != nil {
			logger.Fatal().Err(err).Msg("force version")
		}
	case "version":
	default:
		logger.Fatal().Str("command", cmd).Msg("unknown command")
	}

	version, dirty, err := mg.Version()
	if err != nil {
		logger.Fatal().Err(err).Msg("read version")
	}
	logger.Info().Str("command", cmd).Uint("version", version).Bool("dirty", dirty).Msg("migrations complete")
}
