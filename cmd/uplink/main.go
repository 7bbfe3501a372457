// Command uplink is the operator tool for an uplink field agent: it builds
// and opens data packages by hand and inspects the agent journal.
package main

import (
	"os"

	"github.com/fieldops/uplink/internal/config"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/secretstore"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0-dev"

// masterKey loads the package master key the same way uplinkd does.
func masterKey(c *cli.Context) ([]byte, error) {
	store := secretstore.Default
	if dir := c.String("secret-dir"); dir != "" || store == nil {
		store = secretstore.NewFileStore(config.ExpandPath(dir))
	}
	return secretstore.MasterKey(store)
}

func main() {
	app := &cli.App{
		Name:    "uplink",
		Usage:   "inspect and maintain an uplink field agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "secret-dir",
				Usage: "Directory of the file secret store",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose output",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(zerolog.DebugLevel)
			} else {
				log.SetLevel(zerolog.WarnLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			packCmd,
			unpackCmd,
			journalCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("uplink failed")
		os.Exit(1)
	}
}
