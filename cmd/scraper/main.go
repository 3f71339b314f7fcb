package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
	"github.com/cresus-ui/amazon-KDP-scraper/models"
	"github.com/cresus-ui/amazon-KDP-scraper/pipeline"
	"github.com/cresus-ui/amazon-KDP-scraper/scraper"
)

func main() {
	defaultCfg := config.DefaultConfig()

	parallelDefault := defaultCfg.Parallelism
	if value, ok, err := config.EnvInt("SCRAPER_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_PARALLEL: %v\n", err)
		os.Exit(1)
	} else if ok {
		parallelDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := ""
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	inputFile := flag.String("input", "", "JSON run configuration file (platform input format)")
	terms := flag.String("terms", "", "Comma-separated search terms")
	categories := flag.String("categories", "", "Comma-separated category filter")
	maxResults := flag.Int("max-results", defaultCfg.MaxResults, "Maximum accepted records per search term")
	includeReviews := flag.Bool("include-reviews", false, "Fetch detail pages and attach customer reviews")
	minRating := flag.Float64("min-rating", 0, "Minimum star rating filter (0 disables)")
	priceMin := flag.Float64("price-min", 0, "Minimum price filter")
	priceMax := flag.Float64("price-max", 0, "Maximum price filter (0 = unbounded)")
	sortBy := flag.String("sort", defaultCfg.SortBy, "Sort order: relevance, price-low-to-high, price-high-to-low, avg-customer-review, newest-arrivals")
	requestDelay := flag.Int("request-delay", 2, "Delay between page requests within one search term (seconds)")
	parallelism := flag.Int("parallel", parallelDefault, "Number of search terms processed concurrently")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per page")
	retryBackoffMs := flag.Int("retry-backoff", 2000, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", 60000, "Maximum retry backoff (milliseconds)")
	useApifyProxy := flag.Bool("apify-proxy", false, "Route requests through the platform proxy")
	outputFile := flag.String("output", outputDefault, "Output file path")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: csv, json, or dual")
	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Catalog base URL")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	if *terms != "" {
		cfg.SearchTerms = splitList(*terms)
	}
	if *categories != "" {
		cfg.Categories = splitList(*categories)
	}
	cfg.MaxResults = *maxResults
	cfg.IncludeReviews = *includeReviews
	cfg.MinRating = *minRating
	cfg.PriceRange = config.PriceRange{Min: *priceMin, Max: *priceMax}
	cfg.SortBy = *sortBy
	cfg.RequestDelay = time.Duration(*requestDelay) * time.Second
	cfg.Parallelism = *parallelism
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.UseApifyProxy = *useApifyProxy
	cfg.OutputFile = *outputFile
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	if *inputFile != "" {
		input, err := config.LoadInput(*inputFile)
		if err != nil {
			slog.Error("loading run input", slog.Any("error", err))
			os.Exit(1)
		}
		cfg.Apply(input)
	}
	cfg.Clamp()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting run",
		slog.Int("search_terms", len(cfg.SearchTerms)),
		slog.Int("max_results", cfg.MaxResults),
		slog.Bool("include_reviews", cfg.IncludeReviews),
		slog.String("sort", cfg.SortBy),
	)

	s, err := scraper.NewScraper(cfg, logger)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, letting in-flight pages finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(writer, cfg, s.Stats)

	result, err := s.Run(ctx, p)
	if err != nil {
		slog.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	if result.Stats.RecordsEmitted > 0 {
		if err := writer.Validate(); err != nil {
			slog.Error("output validation failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, cfg.OutputFile)
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.RunResult, outputFile string) {
	duration := result.EndTime.Sub(result.StartTime)
	stats := result.Stats

	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Run complete")
	fmt.Printf("  Records emitted:     %d\n", stats.RecordsEmitted)
	fmt.Printf("  Duplicates skipped:  %d\n", stats.DuplicatesSkipped)
	fmt.Printf("  Pages fetched:       %d\n", stats.PagesFetched)
	fmt.Printf("  Pages failed:        %d\n", stats.PagesFailed)
	fmt.Printf("  Malformed listings:  %d\n", stats.SkippedMalformed)
	fmt.Printf("  Retries:             %d\n", stats.Retries)
	if len(result.FailedURLs) > 0 {
		fmt.Printf("  Failed URLs:         %d\n", len(result.FailedURLs))
	}
	fmt.Printf("  Job states:          %v\n", result.JobStates)
	fmt.Printf("  Duration:            %v\n", duration)
	fmt.Printf("  Output file:         %s\n", outputFile)
	fmt.Println(separator)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
