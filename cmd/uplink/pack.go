package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldops/uplink/internal/config"
	"github.com/fieldops/uplink/internal/device"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/pack"
	"github.com/urfave/cli/v2"
)

var packCmd = &cli.Command{
	Name:      "pack",
	Usage:     "build the data package of a mounted device",
	ArgsUsage: "<mount>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Directory the package is written to",
			Value:   ".",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Usage: pack <mount> [options]", 1)
		}

		mount, err := filepath.Abs(config.ExpandPath(c.Args().First()))
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		h, err := device.OpenMount(mount)
		if err != nil {
			return err
		}
		serial, err := h.Serial()
		if err != nil {
			return err
		}
		dataID, err := h.DatasetID()
		if err != nil {
			return err
		}
		files, err := h.MeasuredFiles()
		if err != nil {
			return err
		}

		mk, err := masterKey(c)
		if err != nil {
			return err
		}

		builder := pack.NewBuilder(config.ExpandPath(c.String("out")), mk)
		pkg, err := builder.Build(c.Context, files, identity.New(serial, dataID), func(done, total int64) {
			log.Debug().Int64("done", done).Int64("total", total).Msg("Packing")
		})
		if err != nil {
			return err
		}

		fmt.Printf("Serial:         %s\n", serial)
		fmt.Printf("Dataset:        %s\n", pkg.DataID)
		fmt.Printf("Package:        %s (%d bytes)\n", pkg.Path, pkg.Size)
		fmt.Printf("Packed hash:    %s\n", pkg.PackedHash)
		fmt.Printf("Encrypted hash: %s\n", pkg.EncryptedHash)
		return nil
	},
}

var unpackCmd = &cli.Command{
	Name:      "unpack",
	Usage:     "decrypt and decompress a data package",
	ArgsUsage: "<package> <out>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "data-id",
			Usage: "Dataset id of the package (default: taken from the file name)",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("Usage: unpack <package> <out> [options]", 1)
		}
		path := config.ExpandPath(c.Args().Get(0))
		out := config.ExpandPath(c.Args().Get(1))

		dataID := c.String("data-id")
		if dataID == "" {
			dataID = dataIDFromPath(path)
		}

		mk, err := masterKey(c)
		if err != nil {
			return err
		}
		contents, err := pack.Open(path, dataID, mk)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, contents.Data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}

		fmt.Printf("Wrote %d bytes to %s\n", len(contents.Data), out)
		fmt.Printf("Packed hash: %s\n", contents.PackedHash)
		return nil
	},
}

// dataIDFromPath returns the dataset id a package file is named after.
func dataIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), pack.Ext)
}
