package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/BradenHooton/neurolock/internal/app"
	"github.com/BradenHooton/neurolock/internal/config"
	"github.com/BradenHooton/neurolock/internal/models"
	pkglogger "github.com/BradenHooton/neurolock/pkg/logger"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var timeout time.Duration

var rootCmd = &cobra.Command{
	Use:   "neurolockctl",
	Short: "NeuroLock administration tool",
	Long: `Operator commands for the NeuroLock identity service: schema migrations,
staff provisioning, lock recovery and access policy inspection.
Configuration is read from the same environment as the API server.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for the whole command")
}

// cliMeta tags audit events written by operator commands.
var cliMeta = models.RequestMeta{UserAgent: "neurolockctl"}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: pkglogger.ReplaceAttr,
	}))
}

// withApp loads configuration, wires the application and runs fn. Commands
// that change state refuse the memory store, whose state dies with the process.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == config.StoreDriverMemory {
		return errors.New("neurolockctl needs STORE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
