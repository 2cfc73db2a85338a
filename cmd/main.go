package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"freeslot/internal/api"
	"freeslot/internal/availability"
	"freeslot/internal/cache"
	"freeslot/internal/config"
	"freeslot/internal/export"
	"freeslot/internal/google"
	"freeslot/internal/icloud"
	"freeslot/internal/store"
	"freeslot/internal/syncer"
	"freeslot/internal/telemetry"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "freeslot",
		Usage: "Find meeting times when every participant is free.",
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			searchCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account so its calendar can be synced.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter the participant identifier for this account (e.g., 'alice@example.com'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				return fmt.Errorf("a participant identifier is required")
			}
			tokenFile := google.TokenPath(cfg.GoogleTokenDir, accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Copy participants' calendars into the local store.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be stored without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
			&cli.DurationFlag{Name: "stale-after", Usage: "Skip participants synced more recently than this (e.g. 24h)."},
			&cli.BoolFlag{Name: "all-calendars", Usage: "Read every calendar of each Google account, not only the primary one."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newDeps(c.Context)
			if err != nil {
				return err
			}
			defer rt.close()

			if c.Bool("dry-run") {
				rt.logger.Info("Performing a dry run. No changes will be made.")
			}

			s, err := rt.newSyncer(c.Context, syncer.Options{
				Days:         rt.cfg.SyncDays,
				StaleAfter:   c.Duration("stale-after"),
				DryRun:       c.Bool("dry-run"),
				AllCalendars: c.Bool("all-calendars"),
			})
			if err != nil {
				return fmt.Errorf("failed to create syncer: %w", err)
			}

			// --watch flag takes precedence
			if c.IsSet("watch") {
				ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()
				runSyncLoop(ctx, rt.logger, s, time.Duration(c.Int("watch"))*time.Second)
				return nil
			}

			rt.logger.Info("Running a single sync cycle.")
			if err := s.Sync(c.Context); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Find common free slots for a group of participants.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "participant", Aliases: []string{"p"}, Required: true, Usage: "Participant identifier; repeat for each participant."},
			&cli.StringFlag{Name: "start-date", Required: true, Usage: "First day to search (YYYY-MM-DD)."},
			&cli.StringFlag{Name: "end-date", Required: true, Usage: "Last day to search (YYYY-MM-DD)."},
			&cli.StringFlag{Name: "start-time", Value: "09:00", Usage: "Start of the daily window (HH:MM)."},
			&cli.StringFlag{Name: "end-time", Value: "18:00", Usage: "End of the daily window (HH:MM)."},
			&cli.IntFlag{Name: "duration", Value: 60, Usage: "Meeting length in minutes."},
			&cli.StringFlag{Name: "caller", Usage: "Participant whose calendar is read live with --token."},
			&cli.StringFlag{Name: "token", Usage: "OAuth token file of the caller (as written by auth)."},
			&cli.StringFlag{Name: "ics", Usage: "Write the available slots to this iCalendar file."},
			&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newDeps(c.Context)
			if err != nil {
				return err
			}
			defer rt.close()

			engine, err := rt.newEngine(nil)
			if err != nil {
				return err
			}

			req := availability.Request{
				Participants:    c.StringSlice("participant"),
				StartDate:       c.String("start-date"),
				EndDate:         c.String("end-date"),
				StartTime:       c.String("start-time"),
				EndTime:         c.String("end-time"),
				DurationMinutes: c.Int("duration"),
				CallerIdentity:  c.String("caller"),
			}
			if path := c.String("token"); path != "" {
				if req.LiveCredentials, err = google.LoadToken(path); err != nil {
					return fmt.Errorf("failed to load caller token: %w", err)
				}
			}

			result, err := engine.Search(c.Context, req)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printSlots(result)
			}

			if path := c.String("ics"); path != "" {
				if err := writeICS(path, result.AvailableSlots, req.Participants); err != nil {
					return err
				}
				rt.logger.Info("Wrote slots to iCalendar file.", "file", path, "count", result.TotalSlotsFound)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the availability API over HTTP.",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "sync-interval", Usage: "Also sync calendars in the background at this interval (0 disables)."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newDeps(c.Context)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := telemetry.New()
			engine, err := rt.newEngine(metrics)
			if err != nil {
				return err
			}

			if interval := c.Duration("sync-interval"); interval > 0 {
				s, err := rt.newSyncer(ctx, syncer.Options{Days: rt.cfg.SyncDays, StaleAfter: interval})
				if err != nil {
					return fmt.Errorf("failed to create syncer: %w", err)
				}
				go runSyncLoop(ctx, rt.logger, s.WithMetrics(metrics), interval)
			}

			health := func(ctx context.Context) error {
				sqlDB, err := rt.db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}
			srv := &http.Server{
				Addr:              rt.cfg.HTTPBind,
				Handler:           api.New(engine, rt.logger, metrics, health).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.logger.Info("HTTP server listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			rt.logger.Info("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// deps holds the dependencies shared by the commands.
type deps struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	store  *store.Store
	cache  *cache.Cache
}

func newDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	db, err := store.Connect(cfg.DBBackend, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		_ = store.Close(db)
		return nil, err
	}

	rt := &deps{cfg: cfg, logger: logger, db: db, store: store.New(db, logger)}
	if cfg.RedisAddr != "" {
		rt.cache = cache.New(ctx, cache.Config{
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			TTL:           cfg.CacheTTL,
		}, rt.store, logger)
	}
	return rt, nil
}

func (rt *deps) close() {
	if rt.cache != nil {
		_ = rt.cache.Close()
	}
	if err := store.Close(rt.db); err != nil {
		rt.logger.Warn("Failed to close database", "error", err)
	}
}

func (rt *deps) newEngine(metrics *telemetry.Metrics) (*availability.Engine, error) {
	var stored availability.StoredSource = rt.store
	if rt.cache != nil {
		stored = rt.cache
	}

	var live availability.LiveSource
	if ls, err := google.NewLiveSource(rt.logger, rt.cfg.GoogleClientID, rt.cfg.GoogleClientSecret); err != nil {
		rt.logger.Warn("Live calendar reads disabled", "error", err)
	} else {
		live = ls
	}

	var recorder availability.Recorder
	if metrics != nil {
		recorder = metrics
	}

	policy := availability.DefaultPolicy()
	policy.FetchTimeout = rt.cfg.FetchTimeout
	return availability.New(availability.Config{
		Location: rt.cfg.LocalTimezone,
		Display:  rt.cfg.DisplayTimezone,
		Policy:   policy,
		Resolver: availability.NewResolver(rt.logger, live, stored, policy.FetchTimeout, recorder),
		Logger:   rt.logger,
		Recorder: recorder,
	})
}

func (rt *deps) newSyncer(ctx context.Context, opts syncer.Options) (*syncer.Syncer, error) {
	// Load all Google clients for all authenticated accounts
	accounts, err := google.GetTokenAccounts(rt.cfg.GoogleTokenDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not list google accounts: %w", err)
	}

	var gClients []syncer.GoogleCalendar
	for _, acc := range accounts {
		gClient, err := google.NewClient(ctx, rt.logger, rt.cfg.GoogleClientID, rt.cfg.GoogleClientSecret, rt.cfg.GoogleTokenDir, acc)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", acc, err)
		}
		gClients = append(gClients, gClient)
	}
	rt.logger.Info("Initialized Google clients for all accounts.", "count", len(gClients))

	var caldav syncer.CalDAVCalendar
	if rt.cfg.CalDAVEnabled() {
		client, err := icloud.NewClient(ctx, rt.logger, rt.cfg.CalDAVURL, rt.cfg.CalDAVUsername, rt.cfg.CalDAVPassword, rt.cfg.CalDAVCalendarName, rt.cfg.CalDAVOwner)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		caldav = client
	}

	s, err := syncer.NewSyncer(rt.logger, rt.store, gClients, caldav, opts)
	if err != nil {
		return nil, err
	}
	if rt.cache != nil {
		s.WithCache(rt.cache)
	}
	return s, nil
}

func runSyncLoop(ctx context.Context, logger *slog.Logger, s *syncer.Syncer, interval time.Duration) {
	logger.Info("Starting watcher.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Sync(ctx); err != nil {
			logger.Error("Sync cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printSlots(result *availability.Result) {
	p := result.SearchPeriod
	fmt.Printf("Search period: %s to %s, %s-%s\n", p.StartDate, p.EndDate, p.StartTime, p.EndTime)
	if result.TotalSlotsFound == 0 {
		fmt.Println("No common free slots found.")
		return
	}
	fmt.Printf("%d slots found:\n", result.TotalSlotsFound)
	for _, slot := range result.AvailableSlots {
		fmt.Printf("  %s  %s-%s\n", slot.DateLabel, slot.StartTime, slot.EndTime)
	}
}

func writeICS(path string, slots []availability.MeetingSlot, participants []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := export.WriteSlots(f, slots, export.Options{Participants: participants}, time.Now()); err != nil {
		return err
	}
	return f.Close()
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
