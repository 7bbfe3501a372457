// Command uplinkd is the field agent: it uploads the data of an attached
// measurement device to the upload server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldops/uplink/internal/agent"
	"github.com/fieldops/uplink/internal/config"
	"github.com/fieldops/uplink/internal/device"
	"github.com/fieldops/uplink/internal/journal"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/notify"
	"github.com/fieldops/uplink/internal/pack"
	"github.com/fieldops/uplink/internal/secretstore"
	"github.com/fieldops/uplink/internal/statusapi"
	"github.com/fieldops/uplink/internal/transport"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0-dev"

// runDaemon runs the agent and the status API until a signal arrives.
func runDaemon(cfg config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	if cfg.LogFile != "" {
		f, err := log.WithFile(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	store := secretstore.Default
	if cfg.SecretDir != "" || store == nil {
		store = secretstore.NewFileStore(cfg.SecretDir)
	}
	masterKey, err := secretstore.MasterKey(store)
	if err != nil {
		return err
	}

	j, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()
	log.Info().Str("path", j.Path()).Msg("Journal opened")

	if n, err := j.CleanupExpired(ctx, cfg.UploadRetention); err != nil {
		log.Warn().Err(err).Msg("Failed to prune upload history")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("Pruned upload history")
	}

	board := notify.NewBoard(50)
	metrics := statusapi.NewMetrics()

	tcfg := transport.DefaultConfig()
	tcfg.RetryStep = cfg.RetryStep
	tcfg.MaxRetryDelay = cfg.MaxRetryDelay
	session := transport.NewSession(tcfg)
	session.SetFailureHook(func(attempts int, err error) {
		board.Notify(fmt.Sprintf("The server is unreachable after %d attempts", attempts), 5*time.Second)
	})

	source := device.NewDirSource(cfg.MountRoot)
	source.SetRecheckInterval(cfg.RecheckInterval)

	acfg := agent.DefaultConfig()
	acfg.ServerURL = cfg.Server
	acfg.Protocol.ChunkSize = cfg.ChunkSize
	a := agent.New(acfg, session, source, pack.NewBuilder(cfg.PackageDir, masterKey), board, j)
	a.SetMetrics(metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	if cfg.StatusAddr != "" {
		srv := statusapi.NewServer(cfg.StatusAddr, a, board, metrics)
		g.Go(func() error {
			// The agent keeps running without its status API.
			if err := srv.Start(gctx); err != nil {
				log.Error().Err(err).Str("addr", cfg.StatusAddr).Msg("Status API stopped")
			}
			return nil
		})
	}

	log.Info().Str("version", version).Msg("uplinkd started")
	err = g.Wait()
	log.Info().Msg("uplinkd stopped")
	return err
}

// applyFlags overrides file settings with flags given on the command line.
func applyFlags(c *cli.Context, cfg *config.Config) {
	paths := map[string]*string{
		"mount-root":  &cfg.MountRoot,
		"package-dir": &cfg.PackageDir,
		"journal":     &cfg.Journal,
		"secret-dir":  &cfg.SecretDir,
		"log-file":    &cfg.LogFile,
	}
	for name, dst := range paths {
		if c.IsSet(name) {
			*dst = config.ExpandPath(c.String(name))
		}
	}

	values := map[string]*string{
		"server":      &cfg.Server,
		"status-addr": &cfg.StatusAddr,
		"log-level":   &cfg.LogLevel,
	}
	for name, dst := range values {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("chunk-size") {
		cfg.ChunkSize = c.Int("chunk-size")
	}
	if c.IsSet("max-retry-delay") {
		cfg.MaxRetryDelay = c.Duration("max-retry-delay")
	}
}

func main() {
	app := &cli.App{
		Name:    "uplinkd",
		Usage:   "measurement device upload agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "WebSocket URL of the upload server",
				EnvVars: []string{"UPLINK_SERVER"},
			},
			&cli.StringFlag{
				Name:  "mount-root",
				Usage: "Directory the measurement device is mounted under",
			},
			&cli.StringFlag{
				Name:  "package-dir",
				Usage: "Directory for built data packages",
			},
			&cli.StringFlag{
				Name:    "journal",
				Aliases: []string{"j"},
				Usage:   "Path to the journal database",
			},
			&cli.StringFlag{
				Name:  "secret-dir",
				Usage: "Directory of the file secret store",
			},
			&cli.StringFlag{
				Name:  "status-addr",
				Usage: "Listen address of the status API (empty disables it)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write the log to this file",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Payload bytes per upload chunk",
			},
			&cli.DurationFlag{
				Name:  "max-retry-delay",
				Usage: "Upper bound of the reconnect delay",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			applyFlags(c, &cfg)
			if err := cfg.Validate(); err != nil {
				return cli.Exit(err.Error(), 2)
			}
			return runDaemon(cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("uplinkd failed")
		os.Exit(1)
	}
}
