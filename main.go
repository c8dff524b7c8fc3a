// Command footscan runs the scan service: it accepts finalized capture
// image sets, drives them through the analysis lifecycle, and pushes live
// updates to connected viewers.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stridelab/footscan/internal/analyzer"
	"github.com/stridelab/footscan/internal/api"
	"github.com/stridelab/footscan/internal/config"
	"github.com/stridelab/footscan/internal/db"
	"github.com/stridelab/footscan/internal/lifecycle"
	"github.com/stridelab/footscan/internal/notify"
	"github.com/stridelab/footscan/internal/scan"
	"github.com/stridelab/footscan/internal/seal"
	"github.com/stridelab/footscan/internal/timeutil"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to scanner config JSON")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Path to scan database (overrides config)")
	devMode    = flag.Bool("dev", false, "Run in dev mode: permissive auth, verbose logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}
	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}

	database, err := db.NewDB(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	store := scan.NewStore(database.DB)
	notifier := notify.NewBroadcaster()
	clock := timeutil.RealClock{}

	az := analyzer.NewHTTPAnalyzer(cfg.GetAnalyzerURL(), nil)
	manager := lifecycle.NewManager(store, az, notifier, clock, cfg.GetAnalyzerTimeout(), cfg.GetMaxRetries())

	auth := newAuth(*devMode)
	masterKey := []byte(os.Getenv("FOOTSCAN_MASTER_KEY"))
	if len(masterKey) == 0 {
		if !*devMode {
			log.Fatal("FOOTSCAN_MASTER_KEY is required outside dev mode")
		}
		sum := sha256.Sum256([]byte("footscan dev master key"))
		masterKey = sum[:]
	}
	sealer, err := seal.NewSealer(masterKey, seal.TokenVerifierFunc(auth.Authorized))
	if err != nil {
		log.Fatalf("Failed to initialize sealer: %v", err)
	}

	server := api.NewServer(manager, store, notifier, sealer, auth, clock)
	mux := server.ServeMux()
	database.AttachAdminRoutes(mux)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: api.WithLogging(mux),
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Scan service listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	wg.Wait()
}

// newAuth builds the auth collaborator boundary. In dev mode every caller
// is accepted; in production the token is checked against the shared viewer
// secret. Real deployments replace this with the account service client.
func newAuth(dev bool) api.AuthorizerFunc {
	if dev {
		return func(string, string) bool { return true }
	}
	secret := os.Getenv("FOOTSCAN_VIEWER_SECRET")
	return func(token, scanID string) bool {
		return secret != "" && token == secret
	}
}
