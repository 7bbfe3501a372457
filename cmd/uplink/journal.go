package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fieldops/uplink/internal/agent"
	"github.com/fieldops/uplink/internal/config"
	"github.com/fieldops/uplink/internal/journal"
	"github.com/urfave/cli/v2"
)

var journalCmd = &cli.Command{
	Name:  "journal",
	Usage: "show the agent journal",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "journal",
			Aliases: []string{"j"},
			Usage:   "Path to the journal database",
			Value:   config.DefaultJournalPath,
		},
		&cli.DurationFlag{
			Name:  "prune",
			Usage: "Remove finished uploads older than this before listing",
		},
	},
	Action: func(c *cli.Context) error {
		j, err := journal.Open(c.Context, config.ExpandPath(c.String("journal")))
		if err != nil {
			return err
		}
		defer j.Close()

		if maxAge := c.Duration("prune"); maxAge > 0 {
			n, err := j.CleanupExpired(c.Context, maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Pruned %d uploads\n", n)
		}

		return printJournal(c, j)
	},
}

// printJournal writes the saved state, pending notifications and upload
// history of j.
func printJournal(c *cli.Context, j *journal.Journal) error {
	w := c.App.Writer

	state, saved, err := j.LoadState(c.Context)
	if err != nil && !errors.Is(err, journal.ErrNotFound) {
		return err
	}
	fmt.Fprintf(w, "State: %s (resume: %s)\n", stateName(state), stateName(saved))

	for _, kind := range []journal.Kind{journal.KindInsertion, journal.KindRemoval} {
		n, err := j.Notification(c.Context, kind)
		if err != nil {
			return err
		}
		if n.Queued {
			fmt.Fprintf(w, "Pending %s: device %s, dataset %s\n", kind, n.Identity.DeviceSerial, n.Identity.DataID)
		}
	}

	uploads, err := j.Uploads(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	return writeUploads(w, uploads)
}

func writeUploads(w io.Writer, uploads []journal.Upload) error {
	if len(uploads) == 0 {
		_, err := fmt.Fprintln(w, "No uploads recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tSTATUS\tSIZE\tATTEMPTS\tUPDATED")
	for _, u := range uploads {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			u.DataID, u.Status, u.Size, u.Attempts, u.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// stateName renders a journaled state name, flagging names this version
// does not know.
func stateName(s string) string {
	if s == "" {
		return "none"
	}
	if _, err := agent.ParseState(s); err != nil {
		return s + " (unknown)"
	}
	return s
}
