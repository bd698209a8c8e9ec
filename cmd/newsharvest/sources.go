package main

import (
	"github.com/spf13/cobra"

	"github.com/pevans/newsharvest/scraper"
	"github.com/pevans/newsharvest/sources"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and their last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			catalog, err := scraper.LoadCatalog(e.cfg.Sources)
			if err != nil {
				return err
			}

			health := map[string]sources.Health{}
			store, err := sources.NewHealthStore(e.cfg.Storage.DSN)
			if err != nil {
				e.logger.Warn("source health unavailable", "error", err)
			} else {
				defer store.Close()
				list, err := store.List(cmd.Context())
				if err != nil {
					e.logger.Warn("source health unavailable", "error", err)
				}
				for _, h := range list {
					health[h.SourceID] = h
				}
			}

			printSourcesTable(catalog, health)
			return nil
		},
	}
}
