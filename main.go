// The hub receives ranging records from every unit over UDP, aggregates
// them into pair state, persists the history in sqlite, and serves the
// dashboard, REST API, and WebSocket feed.
package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/hub"
	"github.com/banshee-data/proximity.report/internal/hub/api"
	"github.com/banshee-data/proximity.report/internal/hub/network"
	"github.com/banshee-data/proximity.report/internal/hub/store"
	"github.com/banshee-data/proximity.report/internal/version"
)

var (
	//go:embed static/*
	staticFiles embed.FS

	devMode    = flag.Bool("dev", false, "Run in dev mode (serve static files from disk)")
	configPath = flag.String("config", "", "Path to hub config JSON (optional)")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	udpAddr    = flag.String("udp", "", "UDP ingest address (overrides config)")
	dbPath     = flag.String("db", "", "Path to sqlite database (overrides config)")
	pcapFile    = flag.String("pcap", "", "Replay records from a PCAP file instead of listening")
	migrateDir  = flag.String("migrations", "", "Run migrations from this directory before starting")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// ingestPort extracts the UDP port for PCAP filtering.
func ingestPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 9999
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9999
	}
	return port
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("proximity-hub %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := &config.HubConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadHubConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	httpAddr := cfg.GetHTTPAddr()
	if *listen != "" {
		httpAddr = *listen
	}
	ingestAddr := cfg.GetUDPAddr()
	if *udpAddr != "" {
		ingestAddr = *udpAddr
	}
	databasePath := cfg.GetDBPath()
	if *dbPath != "" {
		databasePath = *dbPath
	}

	db, err := store.NewDB(databasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if *migrateDir != "" {
		if err := db.MigrateUp(*migrateDir); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	agg := hub.NewAggregator(hub.AggregatorConfig{
		Model: hub.ProximityModel{
			Near:   cfg.GetNearDistanceMeters(),
			Far:    cfg.GetFarDistanceMeters(),
			Cutoff: cfg.GetCutoffDistanceMeters(),
		},
		QualityThreshold: cfg.GetQualityThreshold(),
		StaleAfter:       cfg.GetStaleAfter(),
		Recorder:         db,
	})

	listener := network.NewUDPListener(network.UDPListenerConfig{
		Address:     ingestAddr,
		Handler:     agg,
		Dedup:       cfg.GetDeduplicatePackets(),
		DedupWindow: cfg.GetDedupWindow(),
	})

	apiServer := api.NewServer(agg, db, cfg)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ingest: either live UDP or a PCAP replay for debugging captures.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if *pcapFile != "" {
			if err := network.ReadPCAPFile(ctx, *pcapFile, ingestPort(ingestAddr), listener); err != nil && err != context.Canceled {
				log.Printf("PCAP replay failed: %v", err)
			}
			return
		}
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener failed: %v", err)
		}
		log.Print("ingest routine terminated")
	}()

	// Push snapshots to connected viewers on the configured cadence.
	wg.Add(1)
	go func() {
		defer wg.Done()
		apiServer.Broadcaster().Run(ctx)
		log.Print("broadcast routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes
		db.AttachAdminRoutes(mux)

		apiMux := apiServer.ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/ws", apiMux)

		// read static files from the embedded filesystem in production or
		// from the local ./static in dev for easier iteration without
		// restarting the server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			sub, err := fs.Sub(staticFiles, "static")
			if err != nil {
				log.Fatalf("failed to open embedded static files: %v", err)
			}
			staticHandler = http.FileServer(http.FS(sub))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    httpAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", httpAddr)
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
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Leave a CSV of the full history behind when configured, matching
	// the append-log the original field deployments kept.
	if path := cfg.GetCSVExportPath(); path != "" {
		if err := exportCSVFile(db, path); err != nil {
			log.Printf("Final CSV export failed: %v", err)
		} else {
			log.Printf("Wrote measurement history to %s", path)
		}
	}
	log.Printf("Graceful shutdown complete")
}

func exportCSVFile(db *store.DB, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := db.ExportCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
