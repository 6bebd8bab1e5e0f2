package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/api"
	"relay-fleet/pkg/auth"
	"relay-fleet/pkg/config"
	"relay-fleet/pkg/db"
	"relay-fleet/pkg/deploy"
	"relay-fleet/pkg/health"
	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/logger"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/placement"
	"relay-fleet/pkg/provision"
	"relay-fleet/pkg/registry"
	"relay-fleet/pkg/remote"
	"relay-fleet/pkg/store"
	"relay-fleet/pkg/version"
)

const (
	jobRetention  = 24 * time.Hour
	pruneInterval = time.Hour
)

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "static API token (optional)")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "store backend: memory|gorm|consul (consul requires build tag consul)")
	flag.StringVar(&cfg.ConsulAddr, "consul-addr", cfg.ConsulAddr, "consul address (when store=consul)")
	flag.StringVar(&cfg.LockKey, "lock-key", cfg.LockKey, "Consul lock key for leader election")
	flag.StringVar(&cfg.RegionsFile, "regions", cfg.RegionsFile, "YAML country catalog and fallback table")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS cert path (enables HTTPS if set with --tls-key)")
	flag.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key path (enables HTTPS if set with --tls-cert)")
	flag.StringVar(&cfg.ClientCA, "client-ca", cfg.ClientCA, "require and verify client certs using this CA (optional)")
	flag.Parse()

	logs, err := logger.New(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	mainLog := logs.GetLogger("main")
	mainLog.Infof("relay-fleet controller %s", version.String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		fleet store.FleetStore
		users store.Users
	)
	switch cfg.Store {
	case "gorm":
		gdb, err := db.Open(cfg.DB, store.Models()...)
		if err != nil {
			mainLog.Fatalf("database: %v", err)
		}
		gs := store.NewGormStore(gdb)
		fleet, users = gs, gs
	case "consul":
		fleet = store.NewConsulStore(cfg.ConsulAddr, logs.GetLogger("consul"))
	case "memory":
		fleet = store.NewMemoryStore()
	default:
		mainLog.Fatalf("unsupported store type: %s", cfg.Store)
	}
	if users == nil {
		mainLog.Warn("operator accounts are kept in memory and lost on restart")
		users = store.NewMemoryUsers()
	}
	if err := fleet.Ping(); err != nil {
		mainLog.Fatalf("store %s unreachable: %v", cfg.Store, err)
	}

	regions, err := config.LoadRegions(cfg.RegionsFile)
	if err != nil {
		mainLog.Fatalf("regions: %v", err)
	}

	panels := panel.NewPool(panel.Config{Timeout: cfg.PanelTimeout, SkipTLSVerify: cfg.PanelInsecure}, logs.GetLogger("panel"))
	reg := registry.New(fleet, panels, logs.GetLogger("registry"))
	if n, err := reg.SeedCountries(regions.Countries, false); err != nil {
		mainLog.Fatalf("seed countries: %v", err)
	} else if n > 0 {
		mainLog.Infof("seeded %d countries", n)
	}

	engine := placement.New(reg, fleet, placement.FallbackTable(regions.Fallbacks), logs.GetLogger("placement"))
	reg.SetMigrator(engine)
	prov := provision.New(panels, reg, logs.GetLogger("provision"))
	monitor := health.New(reg, panels, engine, health.Options{
		Interval:         cfg.HealthInterval,
		Timeout:          cfg.HealthTimeout,
		FailureThreshold: cfg.FailureThreshold,
		LoginOnly:        cfg.HealthLoginOnly,
	}, logs.GetLogger("health"))

	journal, err := deploy.OpenJournal(cfg.JournalPath)
	if err != nil {
		mainLog.Fatalf("deploy journal: %v", err)
	}
	defer journal.Close()
	deployLog := logs.GetLogger("deploy")
	orch := deploy.New(remote.SSHDialer{}, keys.NewGenerator(nil, deployLog), reg, prov, journal,
		deploy.Options{InstallTimeout: cfg.InstallTimeout}, deployLog)
	if n, err := orch.Recover(); err != nil {
		mainLog.Errorf("recover deployments: %v", err)
	} else if n > 0 {
		mainLog.Warnf("%d unfinished deployments marked failed", n)
	}

	runBackground(ctx, cfg, fleet, monitor, mainLog)
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := orch.Prune(jobRetention); n > 0 {
					mainLog.Debugf("pruned %d finished deployments", n)
				}
			}
		}
	}()

	var signer *auth.Signer
	if cfg.JWTSecret != "" {
		signer = auth.NewSigner(cfg.JWTSecret, auth.DefaultTTL)
	} else if cfg.Token == "" {
		mainLog.Warn("neither FLEET_TOKEN nor JWT_SECRET is set; the API is open")
	}

	mux := http.NewServeMux()
	api.NewServer(api.Deps{
		Registry:    reg,
		Placement:   engine,
		Provisioner: prov,
		Monitor:     monitor,
		Deployer:    orch,
		Users:       users,
		Signer:      signer,
		Token:       cfg.Token,
		Log:         logs.GetLogger("api"),
	}).RegisterRoutes(mux)

	tlsCfg, err := api.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.ClientCA)
	if err != nil {
		mainLog.Fatalf("failed to build TLS config: %v", err)
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	mainLog.Infof("controller listening on %s (store=%s)", cfg.Addr, cfg.Store)
	if tlsCfg != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		mainLog.Fatalf("server error: %v", err)
	}
	orch.Wait()
	mainLog.Info("controller stopped")
}

// runBackground starts the health loop. With consul only the lock holder
// polls, so replicas do not retire nodes twice.
func runBackground(ctx context.Context, cfg config.Config, fleet store.FleetStore, monitor *health.Monitor, l *log.Logger) {
	if lg, ok := fleet.(interface {
		LeaderGuard(context.Context, string, time.Duration, func(context.Context))
	}); ok && cfg.Store == "consul" {
		go lg.LeaderGuard(ctx, cfg.LockKey, 15*time.Second, func(lctx context.Context) {
			l.Infof("leader acquired lock %s; starting health monitor", cfg.LockKey)
			monitor.Start(lctx)
			l.Infof("leader lost lock %s", cfg.LockKey)
		})
		return
	}
	go monitor.Start(ctx)
}
