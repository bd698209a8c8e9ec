package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pevans/newsharvest/harvest"
	"github.com/pevans/newsharvest/newsfeed"
	"github.com/pevans/newsharvest/scraper"
)

func openStore() (*env, *newsfeed.Store, error) {
	e, err := loadEnv()
	if err != nil {
		return nil, nil, err
	}
	store, err := newsfeed.NewStore(e.cfg.Storage.DSN, e.logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return e, store, nil
}

// tierRanks ranks the catalogue's sources for picking cluster
// representatives. Without a readable catalogue every source ranks the
// same.
func tierRanks(e *env) map[string]int {
	catalog, err := scraper.LoadCatalog(e.cfg.Sources)
	if err != nil {
		e.logger.Warn("source tiers unavailable", "error", err)
		return nil
	}
	return scraper.TierRanks(catalog)
}

func newSaveCmd() *cobra.Command {
	var input string
	var clusterItems bool

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save items from a JSON file to the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := harvest.ReadItemsFile(input)
			if err != nil {
				return err
			}

			e, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if clusterItems {
				if items, err = newClusterer(e).Cluster(cmd.Context(), items); err != nil {
					return fmt.Errorf("failed to cluster items: %w", err)
				}
			}

			result, err := store.Save(cmd.Context(), items)
			if err != nil {
				return err
			}

			fmt.Printf("Inserted %d, ignored %d, rejected %d\n", result.Inserted, result.Ignored, result.Rejected)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON file with items")
	cmd.Flags().BoolVar(&clusterItems, "cluster", false, "Assign cluster keys before saving")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func newPendingCmd() *cobra.Command {
	var format string
	var clusters bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List unprocessed items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Unprocessed(cmd.Context())
			if err != nil {
				return err
			}
			if clusters {
				rows = newsfeed.Representatives(rows, tierRanks(e))
			}

			switch format {
			case "table":
				printRowsTable(rows)
			case "json":
				return printRowsJSON(rows)
			default:
				return fmt.Errorf("invalid format %q (must be table or json)", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	cmd.Flags().BoolVar(&clusters, "clusters", false, "List one representative item per cluster")

	return cmd
}

func newMarkCmd() *cobra.Command {
	var status int

	cmd := &cobra.Command{
		Use:   "mark link...",
		Short: "Set the status of items and everything in their clusters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			return runMark(cmd.Context(), store, args, newsfeed.Status(status), os.Stdout, os.Stderr)
		},
	}

	cmd.Flags().IntVar(&status, "status", int(newsfeed.StatusProcessed), "Status to set (0 pending, 1 processed)")

	return cmd
}

type statusUpdater interface {
	UpdateStatus(ctx context.Context, links []string, status newsfeed.Status) (int64, error)
}

// runMark applies status to links and their clusters. Links that match
// nothing only produce a warning.
func runMark(ctx context.Context, store statusUpdater, links []string, status newsfeed.Status, out, errOut io.Writer) error {
	n, err := store.UpdateStatus(ctx, links, status)
	if errors.Is(err, newsfeed.ErrNoRowsMatched) {
		fmt.Fprintf(errOut, "Warning: no stored item matches the given links (%d)\n", len(links))
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Updated %d items\n", n)
	return nil
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Mark every pending item as processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset clears the whole pending queue; pass --yes to confirm")
			}

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Reset(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Marked %d pending items as processed\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")

	return cmd
}
