package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"courier/internal/config"
	"courier/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Courier - API request execution and testing",
		Long: `Courier resolves environment variables into HTTP requests, runs pre and
post request scripts, dispatches the request and evaluates assertions against
the response. Run it as a local API server or execute request files directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// errRunFailed signals a completed run with failing checks; it maps to a
// non-zero exit without an extra error line.
var errRunFailed = errors.New("run failed")

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./courier.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, cleanupCmd)
}

// bootstrap loads .env, configuration and the logger, then wires services.
func bootstrap() (*app, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load .env file: %v\n", err)
	}

	cfg, err := config.Load(config.New(), cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

func (a *app) shutdown() {
	if err := a.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	a.logger.Sync()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
