// Package warden parses warden command flags and launches the run supervisor.
package warden

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/lastlife/internal/platform/cmd"

	"github.com/louisbranch/lastlife/internal/mc/sideeffect"
	"github.com/louisbranch/lastlife/internal/run/app"
)

// Config holds warden command configuration.
type Config struct {
	Port          int    `env:"LASTLIFE_WARDEN_PORT" envDefault:"8094"`
	DBPath        string `env:"LASTLIFE_WARDEN_DB_PATH" envDefault:"data/lastlife.db"`
	ServerCommand string `env:"LASTLIFE_WARDEN_SERVER_COMMAND" envDefault:"java -Xmx2G -jar server.jar nogui"`
	ServerDir     string `env:"LASTLIFE_WARDEN_SERVER_DIR"`
	LogPath       string `env:"LASTLIFE_WARDEN_LOG_PATH" envDefault:"logs/latest.log"`
	WorldPath     string `env:"LASTLIFE_WARDEN_WORLD_PATH" envDefault:"world"`

	RCONAddr     string `env:"LASTLIFE_WARDEN_RCON_ADDR" envDefault:"localhost:25575"`
	RCONPassword string `env:"LASTLIFE_WARDEN_RCON_PASSWORD"`

	StartupTimeout      time.Duration `env:"LASTLIFE_WARDEN_STARTUP_TIMEOUT" envDefault:"2m"`
	GracePeriod         time.Duration `env:"LASTLIFE_WARDEN_GRACE_PERIOD" envDefault:"30s"`
	TermWait            time.Duration `env:"LASTLIFE_WARDEN_TERM_WAIT" envDefault:"10s"`
	ConfirmationTimeout time.Duration `env:"LASTLIFE_WARDEN_CONFIRMATION_TIMEOUT" envDefault:"5m"`
	AutoReset           bool          `env:"LASTLIFE_WARDEN_AUTO_RESET" envDefault:"true"`
	ResetClockWithStats bool          `env:"LASTLIFE_WARDEN_RESET_CLOCK_WITH_STATS" envDefault:"false"`
	Locale              string        `env:"LASTLIFE_WARDEN_LOCALE" envDefault:"ja"`

	ExplosionDelay   time.Duration `env:"LASTLIFE_WARDEN_EXPLOSION_DELAY" envDefault:"5s"`
	ExplosionEnabled bool          `env:"LASTLIFE_WARDEN_EXPLOSION_ENABLED" envDefault:"true"`

	NarrationBaseURL string `env:"LASTLIFE_WARDEN_NARRATION_BASE_URL"`
	NarrationAPIKey  string `env:"LASTLIFE_WARDEN_NARRATION_API_KEY"`
	NarrationModel   string `env:"LASTLIFE_WARDEN_NARRATION_MODEL" envDefault:"gpt-4o-mini"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The warden health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The warden SQLite database path")
	fs.StringVar(&cfg.ServerCommand, "server-command", cfg.ServerCommand, "Command line that launches the Minecraft server")
	fs.StringVar(&cfg.ServerDir, "server-dir", cfg.ServerDir, "Working directory for the server process")
	fs.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Server log file to follow")
	fs.StringVar(&cfg.WorldPath, "world-path", cfg.WorldPath, "World directory deleted on reset")
	fs.StringVar(&cfg.RCONAddr, "rcon-addr", cfg.RCONAddr, "RCON address of the server")
	fs.StringVar(&cfg.RCONPassword, "rcon-password", cfg.RCONPassword, "RCON password")
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "How long to wait for server readiness")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "How long a console stop may take before SIGTERM")
	fs.DurationVar(&cfg.TermWait, "term-wait", cfg.TermWait, "How long SIGTERM may take before SIGKILL")
	fs.DurationVar(&cfg.ConfirmationTimeout, "confirmation-timeout", cfg.ConfirmationTimeout, "How long a reset confirmation stays open")
	fs.BoolVar(&cfg.AutoReset, "auto-reset", cfg.AutoReset, "Request a world reset after every death")
	fs.BoolVar(&cfg.ResetClockWithStats, "reset-clock-with-stats", cfg.ResetClockWithStats, "Also clear the challenge clock when resetting stats")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "Notification locale")
	fs.DurationVar(&cfg.ExplosionDelay, "explosion-delay", cfg.ExplosionDelay, "TNT fuse delay for survivors")
	fs.BoolVar(&cfg.ExplosionEnabled, "explosion-enabled", cfg.ExplosionEnabled, "Summon TNT at survivors after a death")
	fs.StringVar(&cfg.NarrationBaseURL, "narration-base-url", cfg.NarrationBaseURL, "OpenAI-compatible narration endpoint base URL")
	fs.StringVar(&cfg.NarrationModel, "narration-model", cfg.NarrationModel, "Narration model name")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the warden runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWarden, func(context.Context) error {
		effects := sideeffect.DefaultConfig()
		effects.ExplosionDelay = cfg.ExplosionDelay
		effects.ExplosionEnabled = cfg.ExplosionEnabled
		return app.Run(ctx, app.Config{
			Port:                cfg.Port,
			DBPath:              cfg.DBPath,
			ServerCommand:       strings.Fields(cfg.ServerCommand),
			ServerDir:           cfg.ServerDir,
			LogPath:             cfg.LogPath,
			WorldPath:           cfg.WorldPath,
			RCONAddr:            cfg.RCONAddr,
			RCONPassword:        cfg.RCONPassword,
			StartupTimeout:      cfg.StartupTimeout,
			GracePeriod:         cfg.GracePeriod,
			TermWait:            cfg.TermWait,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			AutoResetOnDeath:    cfg.AutoReset,
			ResetClockWithStats: cfg.ResetClockWithStats,
			Locale:              cfg.Locale,
			Effects:             effects,
			NarrationBaseURL:    cfg.NarrationBaseURL,
			NarrationAPIKey:     cfg.NarrationAPIKey,
			NarrationModel:      cfg.NarrationModel,
		})
	})
}
