package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/quasar/internal/engine"
	"github.com/ajitpratap0/quasar/pkg/catalog"
	"github.com/ajitpratap0/quasar/pkg/clients"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/dataverse"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/singer"
	"github.com/ajitpratap0/quasar/pkg/state"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - Singer tap for Microsoft Dataverse",
		Long: `Quasar extracts entity data from Microsoft Dataverse (Dynamics 365) over the
Web API and emits it as a Singer message stream: SCHEMA, RECORD and STATE
messages on stdout, logs on stderr.`,
		SilenceUsage: true,
	}

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Quasar v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Discover command
	var discoverConfigFile string
	var selectAll bool

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover entities and write a catalog to stdout",
		Long: `Discover queries the organization's entity metadata and writes a Singer
catalog to stdout. Edit the catalog to select streams and fields, then pass
it to sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), discoverConfigFile, selectAll)
		},
	}
	discoverCmd.Flags().StringVarP(&discoverConfigFile, "config", "c", "", "Path to config file (required)")
	_ = discoverCmd.MarkFlagRequired("config")
	discoverCmd.Flags().BoolVar(&selectAll, "select-all", false, "Mark every stream selected-by-default in the catalog")
	root.AddCommand(discoverCmd)

	// Sync command
	var syncConfigFile, catalogFile, stateFile string
	var timeout time.Duration

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync selected streams to stdout",
		Long: `Sync replicates every selected stream in the catalog, resuming from the
bookmarks in the state file when one is given.

Example:
  quasar sync --config config.yml --catalog catalog.json --state state.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), syncConfigFile, catalogFile, stateFile, timeout)
		},
	}
	syncCmd.Flags().StringVarP(&syncConfigFile, "config", "c", "", "Path to config file (required)")
	syncCmd.Flags().StringVar(&catalogFile, "catalog", "", "Path to catalog file from discover (required)")
	_ = syncCmd.MarkFlagRequired("config")
	_ = syncCmd.MarkFlagRequired("catalog")
	syncCmd.Flags().StringVar(&stateFile, "state", "", "Path to state file from a previous run (optional)")
	syncCmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this long (0 means no limit)")
	root.AddCommand(syncCmd)

	// Auth command
	var orgURI, clientID, clientSecret, redirectURI, tokenURL, code string

	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Bootstrap a refresh token for the configured app registration",
		Long: `Auth prints the consent URL for the app registration. Open it, sign in,
and pass the authorization code from the redirect back via --code to
exchange it for a refresh token to put in the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd.Context(), orgURI, clientID, clientSecret, redirectURI, tokenURL, code)
		},
	}
	authCmd.Flags().StringVar(&orgURI, "organization-uri", "", "Organization root URL, e.g. https://org.crm.dynamics.com (required)")
	authCmd.Flags().StringVar(&clientID, "client-id", "", "App registration client id (required)")
	authCmd.Flags().StringVar(&clientSecret, "client-secret", "", "App registration client secret (required)")
	authCmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "Redirect URI registered for the app (required)")
	_ = authCmd.MarkFlagRequired("organization-uri")
	_ = authCmd.MarkFlagRequired("client-id")
	_ = authCmd.MarkFlagRequired("client-secret")
	_ = authCmd.MarkFlagRequired("redirect-uri")
	authCmd.Flags().StringVar(&tokenURL, "token-url", config.DefaultTokenURL, "AAD token endpoint")
	authCmd.Flags().StringVar(&code, "code", "", "Authorization code from the consent redirect")
	root.AddCommand(authCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stack bundles the client layers that sync and discover share.
type stack struct {
	tokens  *clients.TokenManager
	limiter clients.RateLimiter
	http    *clients.HTTPClient
	client  *dataverse.Client
}

// buildStack assembles the API client from config. Rotated refresh
// tokens are persisted back to configPath so the next run authenticates
// with the current credential.
func buildStack(cfg *config.Config, configPath string) *stack {
	tokens := clients.NewTokenManager(clients.OAuth2Config{
		TokenURL:      cfg.OAuth.TokenURL,
		ClientID:      cfg.OAuth.ClientID,
		ClientSecret:  cfg.OAuth.ClientSecret,
		RedirectURI:   cfg.OAuth.RedirectURI,
		RefreshToken:  cfg.OAuth.RefreshToken,
		Resource:      cfg.Resource(),
		RefreshMargin: cfg.OAuth.RefreshMargin,
		OnRotate: func(refreshToken string) {
			cfg.OAuth.RefreshToken = refreshToken
			if err := config.Save(cfg, configPath); err != nil {
				logger.Warn("failed to persist rotated refresh token", zap.Error(err))
			}
		},
	})

	limiter := clients.NewRateLimiter(cfg.Reliability.RequestsPerMinute, cfg.Reliability.Burst)
	policy := clients.RetryPolicyFromConfig(cfg.Reliability)

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.BaseURL = cfg.BaseURL()
	httpCfg.UserAgent = cfg.API.UserAgent
	if cfg.API.Timeout > 0 {
		httpCfg.RequestTimeout = cfg.API.Timeout
	}
	httpClient := clients.NewHTTPClient(httpCfg, tokens, limiter, policy)

	return &stack{
		tokens:  tokens,
		limiter: limiter,
		http:    httpClient,
		client:  dataverse.NewClient(httpClient, cfg.API.MaxPageSize),
	}
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.LogDevelopment,
	})
}

// runDiscover queries entity metadata and writes the catalog to stdout.
func runDiscover(ctx context.Context, configFile string, selectAll bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.With(zap.String("component", "quasar-cli"))
	log.Info("starting discovery", zap.String("organization", cfg.API.OrganizationURI))

	s := buildStack(cfg, configFile)
	entities, err := s.client.Discover(ctx)
	if err != nil {
		return err
	}

	cat := catalog.FromEntities(entities, selectAll || cfg.Sync.SelectAllByDefault)
	if err := cat.Write(os.Stdout); err != nil {
		return err
	}

	log.Info("discovery completed", zap.Int("streams", len(cat.Streams)))
	return nil
}

// runSync replicates the selected streams in the catalog.
func runSync(ctx context.Context, configFile, catalogFile, stateFile string, timeout time.Duration) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.With(zap.String("component", "quasar-cli"))

	shutdown, err := observability.Init(observability.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    "quasar",
		ServiceVersion: version,
		SampleRate:     cfg.Observability.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	cat, err := catalog.Load(catalogFile)
	if err != nil {
		return err
	}

	st := state.New()
	if stateFile != "" {
		if st, err = state.Load(stateFile); err != nil {
			return err
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s := buildStack(cfg, configFile)

	// Preflight before emitting anything: a bad credential or endpoint
	// should fail the run without producing a partial message stream.
	who, err := s.client.WhoAmI(ctx)
	if err != nil {
		return err
	}
	log.Info("connected",
		zap.String("organization_id", who.OrganizationID),
		zap.String("user_id", who.UserID))

	writer, err := singer.NewWriter(singer.WriterConfig{
		Path:        cfg.Output.Path,
		Compression: cfg.Output.Compression,
		BufferSize:  cfg.Output.BufferSize,
	})
	if err != nil {
		return err
	}

	eng := engine.New(s.client, writer, st, cat, engine.Config{
		Concurrency:       cfg.Sync.Concurrency,
		CheckpointRecords: cfg.Sync.CheckpointRecords,
		StartDate:         cfg.Sync.StartDate,
	})

	runErr := eng.Run(ctx)

	records, _, _, _, elapsed := eng.Stats().Snapshot()
	httpStats := s.http.GetStats()
	limiterStats := s.limiter.GetStats()
	log.Info("run summary",
		zap.Int64("messages", writer.Messages()),
		zap.Float64("records_per_second", float64(records)/elapsed.Seconds()),
		zap.Int64("http_requests", httpStats.TotalRequests),
		zap.Int64("http_retries", httpStats.RetriedRequests),
		zap.Int64("http_failures", httpStats.FailedRequests),
		zap.Int64("rate_limiter_waits", limiterStats.WaitedRequests),
		zap.Int64("token_refreshes", s.tokens.Refreshes()))

	if err := writer.Close(); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			log.Warn("failed to close writer", zap.Error(err))
		}
	}
	return runErr
}

// runAuth walks the authorization-code grant: without --code it prints
// the consent URL, with --code it exchanges the code for a refresh token.
func runAuth(ctx context.Context, orgURI, clientID, clientSecret, redirectURI, tokenURL, code string) error {
	resource := strings.TrimRight(orgURI, "/")
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  strings.TrimSuffix(tokenURL, "/token") + "/authorize",
			TokenURL: tokenURL,
		},
	}
	withResource := oauth2.SetAuthURLParam("resource", resource)

	if code == "" {
		fmt.Println("Open this URL, sign in, and re-run with --code=<code from the redirect>:")
		fmt.Println()
		fmt.Println(conf.AuthCodeURL("", withResource))
		return nil
	}

	tok, err := conf.Exchange(ctx, code, withResource)
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("token response carried no refresh token; check the app registration's allowed grants")
	}

	fmt.Println("Add to the oauth section of your config file:")
	fmt.Printf("  refresh_token: %s\n", tok.RefreshToken)
	return nil
}
