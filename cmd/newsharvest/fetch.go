package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pevans/newsharvest/browser"
	"github.com/pevans/newsharvest/cluster"
	"github.com/pevans/newsharvest/discovery"
	"github.com/pevans/newsharvest/harvest"
	"github.com/pevans/newsharvest/metrics"
	"github.com/pevans/newsharvest/newsfeed"
	"github.com/pevans/newsharvest/scraper"
	"github.com/pevans/newsharvest/sources"
)

var errNoSourceSucceeded = errors.New("no source succeeded")

type fetchOptions struct {
	only         string
	ignoreWindow bool
	prod         bool
	jsonOut      string
	windowHours  int
	metricsFile  string
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Harvest enabled sources",
		Long: `Harvest every enabled source, keep items inside the window and print them.
With --prod the items are clustered and saved to the store. The command
fails only when no source succeeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), e, opts)
		},
	}

	cmd.Flags().StringVar(&opts.only, "only", "", "Harvest only the source with this id")
	cmd.Flags().BoolVar(&opts.ignoreWindow, "ignore-window", false, "Keep every dated item regardless of the window")
	cmd.Flags().BoolVar(&opts.prod, "prod", false, "Cluster and save items to the store")
	cmd.Flags().StringVar(&opts.jsonOut, "json", "", "Write items as JSON to this file (- for stdout)")
	cmd.Flags().IntVar(&opts.windowHours, "window-hours", 0, "Override the window length in hours")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")

	return cmd
}

func runFetch(ctx context.Context, e *env, opts fetchOptions) error {
	catalog, err := scraper.LoadCatalog(e.cfg.Sources)
	if err != nil {
		return err
	}
	enabled := scraper.Enabled(catalog, opts.only)
	if len(enabled) == 0 {
		if opts.only != "" {
			return fmt.Errorf("source %q not found or disabled", opts.only)
		}
		return errors.New("no enabled sources")
	}

	if opts.windowHours > 0 {
		e.cfg.Window.Hours = opts.windowHours
	}
	window, err := e.cfg.HarvestWindow()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	fetcher := discovery.NewFetcher(discovery.FetcherConfig{
		Timeout:         e.cfg.Fetch.Timeout,
		UserAgent:       e.cfg.Fetch.UserAgent,
		MinHostInterval: e.cfg.Fetch.MinHostInterval,
		Metrics:         collector,
	})

	var session browser.Session
	if needsBrowser(enabled) {
		chrome := browser.NewChromeSession(e.logger)
		defer chrome.Close()
		session = chrome
	}

	var store *newsfeed.Store
	var known discovery.KnownLinks
	if opts.prod {
		if store, err = newsfeed.NewStore(e.cfg.Storage.DSN, e.logger, collector); err != nil {
			return err
		}
		defer store.Close()
		known = store
	}

	pipeline := harvest.NewPipeline(harvest.Config{
		Fetcher:      fetcher,
		Browser:      session,
		Window:       window,
		IgnoreWindow: opts.ignoreWindow,
		Known:        known,
		Logger:       e.logger,
		Metrics:      collector,
	})

	result := pipeline.Run(ctx, enabled)
	items := result.Items

	if opts.prod {
		if items, err = saveRun(ctx, e, store, result); err != nil {
			return err
		}
	}

	switch opts.jsonOut {
	case "":
		printItemsTable(items)
	case "-":
		if err := harvest.WriteItems(os.Stdout, items); err != nil {
			return err
		}
	default:
		if err := harvest.WriteItemsFile(opts.jsonOut, items); err != nil {
			return err
		}
	}

	if opts.jsonOut != "-" {
		printRunSummary(result)
	}

	if opts.metricsFile != "" {
		if err := metrics.WriteTextfile(opts.metricsFile, reg); err != nil {
			e.logger.Warn("failed to write metrics", "error", err)
		}
	}

	if result.Succeeded() == 0 {
		return errNoSourceSucceeded
	}
	return nil
}

// saveRun clusters the run's items, stores them and records source health.
// It returns the clustered items.
func saveRun(ctx context.Context, e *env, store *newsfeed.Store, result *harvest.RunResult) ([]harvest.Item, error) {
	clustered, err := newClusterer(e).Cluster(ctx, result.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to cluster items: %w", err)
	}

	saved, err := store.Save(ctx, clustered)
	if err != nil {
		return nil, err
	}
	e.logger.Info("items saved",
		"run_id", result.RunID,
		"inserted", saved.Inserted,
		"ignored", saved.Ignored,
		"rejected", saved.Rejected,
	)

	health, err := sources.NewHealthStore(e.cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	defer health.Close()

	if err := health.RecordRun(ctx, result.Sources, time.Now()); err != nil {
		e.logger.Warn("failed to record source health", "error", err)
	}

	return clustered, nil
}

func newClusterer(e *env) cluster.Clusterer {
	llm := cluster.NewLLM(cluster.LLMConfig{
		Endpoint:    e.cfg.LLM.Endpoint,
		Model:       e.cfg.LLM.Model,
		APIKey:      e.cfg.LLM.APIKey,
		MaxAttempts: e.cfg.LLM.MaxAttempts,
		Logger:      e.logger,
	})
	return cluster.WithFallback(llm, cluster.TitleDay{}, e.logger)
}

func needsBrowser(srcs []scraper.SourceConfig) bool {
	for _, src := range srcs {
		if src.Kind == scraper.KindBrowser {
			return true
		}
	}
	return false
}
