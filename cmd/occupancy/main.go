package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/occupancy.report/internal/alerts"
	"github.com/banshee-data/occupancy.report/internal/api"
	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/report"
	"github.com/banshee-data/occupancy.report/internal/source"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
	"github.com/banshee-data/occupancy.report/internal/version"
)

var (
	configPath      = flag.String("config", "", "Path to a counting config file (.json, .yaml); empty uses built-in defaults")
	dbPath          = flag.String("db", "occupancy.db", "SQLite database path")
	listen          = flag.String("listen", ":8080", "Listen address")
	input           = flag.String("input", "-", "Detection input: '-' for stdin, a file path, udp://host:port or serial:///dev/tty...")
	baud            = flag.Int("baud", 115200, "Baud rate for serial input")
	crowdLimit      = flag.Int("crowd-limit", -1, "Override crowd_limit from the config (0 disables alerts)")
	timezone        = flag.String("tz", "Local", "IANA time zone used for daily and hourly stats")
	migrationsCheck = flag.Bool("migrations-check", false, "Report whether the database schema is current and exit")
	showVersion     = flag.Bool("version", false, "Print version and exit")
	exportDate      = flag.String("export", "", "Write the CSV and hourly PNG for this day (YYYY-MM-DD, or 'today') and exit")
	exportDir       = flag.String("export-dir", ".", "Directory for -export output")
	label           = flag.String("label", "occupancy", "Entrance name used in export file names and titles")
)

// loadConfig reads path (or the defaults when empty) and applies the
// crowd-limit override when it is non-negative.
func loadConfig(path string, crowdLimitOverride int) (*config.CountingConfig, error) {
	cfg := config.EmptyConfig()
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if crowdLimitOverride >= 0 {
		cfg.CrowdLimit = config.Int(crowdLimitOverride)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// checkMigrations reports the schema state of the database at path
// without modifying it.
func checkMigrations(path string) error {
	database, err := db.OpenDB(path)
	if err != nil {
		return err
	}
	defer database.Close()
	return database.CheckMigrations(db.MigrationsFS())
}

// exportDay writes the report files for date (in loc) from the database at
// path and returns the written file paths.
func exportDay(ctx context.Context, path, date, dir, name string, loc *time.Location) ([]string, error) {
	day := time.Now().In(loc)
	if date != "today" {
		var err error
		day, err = time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid export date %q, expected YYYY-MM-DD", date)
		}
	}
	database, err := db.NewDB(path)
	if err != nil {
		return nil, err
	}
	defer database.Close()
	return report.NewExporter(database, dir, name).ExportDay(ctx, day)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("occupancy %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *migrationsCheck {
		if err := checkMigrations(*dbPath); err != nil {
			if errors.Is(err, db.ErrSchemaOutOfDate) {
				log.Printf("%v; run without -migrations-check to apply", err)
				os.Exit(2)
			}
			log.Fatalf("migration check failed: %v", err)
		}
		log.Printf("database schema is up to date")
		return
	}

	loc, err := timeutil.LoadZone(*timezone)
	if err != nil {
		log.Fatalf("invalid -tz: %v", err)
	}

	if *exportDate != "" {
		paths, err := exportDay(context.Background(), *dbPath, *exportDate, *exportDir, *label, loc)
		if err != nil {
			log.Fatalf("export failed: %v", err)
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig(*configPath, *crowdLimit)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	in, err := source.ParseInput(*input)
	if err != nil {
		log.Fatalf("invalid -input: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	p, err := pipeline.New(cfg, nil)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}
	restored, seq, err := database.CurrentCounts(context.Background())
	if err != nil {
		log.Fatalf("failed to restore counts: %v", err)
	}
	p.Restore(restored, seq)

	alertManager := alerts.NewManager(alerts.ConfigFromCounting(cfg), database, nil)
	writer := db.NewEventWriter(database)
	writerSub := p.Subscribe("db", 0)
	alertSub := p.Subscribe("alerts", 0)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Consumers run until their subscription is closed so that events
	// published just before shutdown are still stored.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := writer.Run(context.Background(), writerSub.C); err != nil {
			log.Printf("event writer stopped: %v", err)
		}
		log.Printf("event writer routine terminated (%+v)", writer.Stats())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := alertManager.Run(context.Background(), alertSub.C); err != nil {
			log.Printf("alert manager stopped: %v", err)
		}
		log.Print("alert routine terminated")
	}()

	frames := make(chan source.Frame, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frames)
		log.Printf("reading detections from %s", in)
		if err := source.Run(ctx, in, source.PortOptions{BaudRate: *baud}, frames); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("input %s failed: %v", in, err)
		}
		log.Print("input routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.Unsubscribe(alertSub)
		defer p.Unsubscribe(writerSub)
		if err := p.Run(ctx, frames); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Printf("pipeline routine terminated (%+v)", p.Stats())
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(p, database, api.Options{
			Alerts:   alertManager,
			Writer:   writer,
			Location: loc,
		}).ServeMux()
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes unavailable: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
