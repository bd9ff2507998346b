// File: main.go

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"endpoint-balancer/pkg/database"
	"endpoint-balancer/pkg/descriptor"
	"endpoint-balancer/pkg/engine"
	"endpoint-balancer/pkg/geoip"
	"endpoint-balancer/pkg/liveness"
	"endpoint-balancer/pkg/models"
	"endpoint-balancer/pkg/pool"
	"endpoint-balancer/pkg/prioritize"
	"endpoint-balancer/pkg/probe"
	"endpoint-balancer/pkg/relay"
	"endpoint-balancer/pkg/tiering"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "endpoint-balancer",
	Short: "Validate proxy endpoints and balance traffic across the healthy ones",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Extract, benchmark, and tier endpoint candidates from a raw text file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workers, _ := cmd.Flags().GetInt("workers")
		limit, _ := cmd.Flags().GetInt("limit")
		engineOverride, _ := cmd.Flags().GetString("engine")
		save, _ := cmd.Flags().GetBool("save")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			logger.Error("Error reading candidate file", "error", err)
			os.Exit(1)
		}

		uris := descriptor.ExtractURIs(string(raw))
		logger.Info("Extracted candidate URIs", "count", len(uris))

		var descriptors []models.Descriptor
		for _, uri := range uris {
			d, err := descriptor.Parse(uri)
			if err != nil {
				logger.Debug("Dropping malformed candidate", "error", err)
				continue
			}
			descriptors = append(descriptors, d)
		}

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		ordered := prioritize.Order(descriptors, rng)
		if limit > 0 && len(ordered) > limit {
			ordered = ordered[:limit]
		}
		logger.Info("Candidates ready for benchmarking",
			"parsed", len(descriptors), "testing", len(ordered))

		runner := probe.NewRunner(probe.Config{
			Engines:     detectEngines(engineOverride),
			MultiEngine: viper.GetBool("probe.multi_engine"),
			Workers:     workers,
			BasePort:    viper.GetInt("probe.base_port"),
		}, logger)

		ctx := cmd.Context()
		results, err := runner.Run(ctx, ordered)
		if err != nil {
			logger.Error("Error benchmarking candidates", "error", err)
			os.Exit(1)
		}
		validated := tiering.Build(results, tiering.SystemResolver)
		geoip.Annotate(validated, logger)

		for _, ep := range validated {
			fmt.Printf("%-6s %5dms %-20s %-15s %s\n",
				ep.Tier, ep.LatencyMs, ep.Region, ep.DisplayName, ep.Signature)
		}
		logger.Info("Validation finished",
			"tested", len(results), "validated", len(validated))

		if save {
			db, err := initDB()
			if err != nil {
				logger.Error("Error initializing database", "error", err)
				os.Exit(1)
			}
			defer db.Close()

			if err := db.UpsertEndpoints(ctx, validated); err != nil {
				logger.Error("Error saving endpoints", "error", err)
				os.Exit(1)
			}
			if err := db.InsertProbeRecords(ctx, uuid.NewString(), results); err != nil {
				logger.Error("Error saving probe history", "error", err)
				os.Exit(1)
			}
			logger.Info("Results saved", "endpoints", len(validated))
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the public entry point backed by the best validated endpoints",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		candidates, err := loadCandidates(ctx, db)
		if err != nil {
			logger.Error("Error loading candidates", "error", err)
			os.Exit(1)
		}
		if len(candidates) == 0 {
			logger.Error("No validated endpoints in the database; run validate --save first")
			os.Exit(1)
		}

		engines := detectEngines(viper.GetString("pool.engine"))
		if len(engines) == 0 {
			logger.Error("No tunneling engine binary found")
			os.Exit(1)
		}

		checkRunner := probe.NewRunner(probe.Config{
			Engines:  engines,
			Workers:  1,
			BasePort: viper.GetInt("pool.check_base_port"),
		}, logger)
		check := func(ctx context.Context, d models.Descriptor) (int64, error) {
			res := checkRunner.ProbeOne(ctx, d, 0)
			return res.LatencyMs, res.Err
		}

		resolver := viper.GetString("pool.check_resolver")
		if resolver == "" {
			resolver = "8.8.8.8"
		}
		domain := viper.GetString("pool.check_domain")
		if domain == "" {
			domain = "example.com."
		}
		selfCheck := func(ctx context.Context, transport string) error {
			_, err := liveness.Check(ctx, transport, resolver, domain, 15*time.Second)
			return err
		}

		manager := pool.NewManager(pool.Config{
			PublicPort:     viper.GetInt("pool.public_port"),
			Capacity:       viper.GetInt("pool.capacity"),
			DirectFallback: viper.GetBool("pool.direct_fallback"),
			SelfCheck:      selfCheck,
		}, engines[0], check, logger)

		if err := manager.Start(ctx, candidates); err != nil {
			logger.Error("Error starting the pool", "error", err)
			os.Exit(1)
		}
		defer manager.Stop()
		logger.Info("Entry point serving",
			"port", viper.GetInt("pool.public_port"), "state", manager.State())

		interval := viper.GetDuration("pool.health_interval")
		if interval <= 0 {
			interval = time.Minute
		}
		manager.HealthLoop(ctx, interval)
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve a SOCKS5 relay over a ranked pool of secure-transport servers",
	Run: func(cmd *cobra.Command, args []string) {
		var servers []*models.RelayServer
		if err := viper.UnmarshalKey("relay.servers", &servers); err != nil {
			logger.Error("Error reading relay server list", "error", err)
			os.Exit(1)
		}
		if len(servers) == 0 {
			logger.Error("No relay servers configured under relay.servers")
			os.Exit(1)
		}

		listen := viper.GetString("relay.listen")
		if listen == "" {
			listen = ":1080"
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tunnel := relay.NewTunnel(relay.Config{
			ListenAddr: listen,
			ProbeAddr:  viper.GetString("relay.probe_addr"),
		}, servers, nil, logger)
		if err := tunnel.ListenAndServe(ctx); err != nil {
			logger.Error("Relay failed", "error", err)
			os.Exit(1)
		}
	},
}

var importCmd = &cobra.Command{
	Use:   "import-endpoints [file]",
	Short: "Parse candidate URIs from a file and store them without benchmarking",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			logger.Error("Error reading candidate file", "error", err)
			os.Exit(1)
		}

		var endpoints []models.ValidatedEndpoint
		for _, uri := range descriptor.ExtractURIs(string(raw)) {
			d, err := descriptor.Parse(uri)
			if err != nil {
				logger.Debug("Dropping malformed candidate", "error", err)
				continue
			}
			endpoints = append(endpoints, models.ValidatedEndpoint{
				Signature:   tiering.Signature(d, ""),
				URI:         d.URI,
				Scheme:      string(d.Protocol),
				Host:        d.Host,
				Port:        d.Port,
				DisplayName: d.DisplayName,
				Tier:        models.TierSilver,
				LastTested:  time.Now(),
				Descriptor:  d,
			})
		}

		if err := db.UpsertEndpoints(cmd.Context(), endpoints); err != nil {
			logger.Error("Error importing endpoints", "error", err)
			os.Exit(1)
		}
		logger.Info("Endpoints imported", "count", len(endpoints))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-tier endpoint counts",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		counts, err := db.TierCounts(cmd.Context())
		if err != nil {
			logger.Error("Error querying tier counts", "error", err)
			os.Exit(1)
		}
		for _, tier := range []models.Tier{models.TierGold, models.TierSilver, models.TierDead} {
			fmt.Printf("%-8s %d\n", tier, counts[tier])
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	validateCmd.Flags().Bool("save", false, "Persist validated endpoints and probe history to the database")
	validateCmd.Flags().Int("workers", 0, "Concurrent benchmark workers (0 = default)")
	validateCmd.Flags().Int("limit", 0, "Benchmark at most this many candidates after prioritization (0 = all)")
	validateCmd.Flags().String("engine", "", "Tunneling engine binary to use instead of the configured list")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("../")
	viper.AddConfigPath("$HOME/.endpoint-balancer")
	viper.AddConfigPath("/etc/endpoint-balancer/")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

// detectEngines resolves tunneling engine launchers from an explicit
// binary override or the configured engine list.
func detectEngines(override string) []engine.Launcher {
	binaries := viper.GetStringSlice("probe.engines")
	if override != "" {
		binaries = []string{override}
	}
	if len(binaries) == 0 {
		binaries = []string{"xray", "sing-box", "v2ray"}
	}

	var launchers []engine.Launcher
	for _, e := range engine.Detect(binaries, logger) {
		launchers = append(launchers, e)
	}
	return launchers
}

// loadCandidates pulls gold then silver endpoints from the database and
// rebuilds their descriptors from the stored URIs.
func loadCandidates(ctx context.Context, db *database.DB) ([]models.ValidatedEndpoint, error) {
	var candidates []models.ValidatedEndpoint
	for _, tier := range []models.Tier{models.TierGold, models.TierSilver} {
		endpoints, err := db.GetEndpointsByTier(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("load %s endpoints: %w", tier, err)
		}
		for _, ep := range endpoints {
			d, err := descriptor.Parse(ep.URI)
			if err != nil {
				logger.Warn("Stored endpoint no longer parses, skipping",
					"signature", ep.Signature, "error", err)
				continue
			}
			ep.Descriptor = d
			candidates = append(candidates, ep)
		}
	}
	return candidates, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
