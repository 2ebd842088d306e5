package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"dialcast/internal/api"
	"dialcast/internal/auth"
	"dialcast/internal/breaker"
	"dialcast/internal/config"
	"dialcast/internal/database"
	"dialcast/internal/dialer"
	"dialcast/internal/janitor"
	"dialcast/internal/jobqueue"
	"dialcast/internal/kvstore"
	"dialcast/internal/leader"
	"dialcast/internal/lease"
	"dialcast/internal/outgoing"
	"dialcast/internal/promoter"
	"dialcast/internal/reservation"
	"dialcast/internal/retry"
	"dialcast/internal/scheduler"
	"dialcast/internal/telephony"
	"dialcast/internal/waitlist"
	"dialcast/internal/websocket"
)

const defaultConfigPath = "/etc/dialcast/dialcast.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart()
	case "seed-admin":
		cmdSeedAdmin()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Dialcast - Outbound Call Campaign Dispatcher")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dialcast start                          Run the full service")
	fmt.Println("  dialcast seed-admin --email <e> --password <p> [--name <n>] [--role <r>] [--reset]")
	fmt.Println("                                          Create (or reset) an operator account")
	fmt.Println()
}

func loadConfig() *config.Config {
	configPath := os.Getenv("DIALCAST_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] Error loading configuration: %v", err)
	}
	return cfg
}

// cmdStart wires and runs every service component
func cmdStart() {
	log.Println("[Main] Dialcast Service v1.0")
	log.Println("[Main] Starting services...")

	cfg := loadConfig()

	store, err := kvstore.New(cfg.KV)
	if err != nil {
		log.Fatalf("[Main] Error connecting to key-value store: %v", err)
	}
	defer store.Close()

	dbConn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] Error connecting to database: %v", err)
	}
	defer dbConn.Close()

	if err := database.Migrate(dbConn.DB); err != nil {
		log.Fatalf("[Main] Error running migrations: %v", err)
	}

	repo := database.NewRepository(dbConn)
	defer repo.Close()
	log.Println("[Main] Database connected")

	// Core key-value machinery
	leases := lease.NewRegistry(store)
	ledger := reservation.NewLedger(store)
	wl := waitlist.New(store)
	brk := breaker.New(store)

	// Leader election gates everything that must run on exactly one instance
	elector := leader.NewElector(store)
	elector.Start()
	defer elector.Stop()

	// Delayed jobs (scheduled calls and retries)
	runner := jobqueue.NewRunner(store, cfg.Queue, elector.IsLeader)
	ready := jobqueue.NewReadyQueue(store)

	// Telephony vendor and the direct-call path
	client := telephony.NewHTTPClient(cfg.Telephony)
	pool := dialer.NewChannelPool(cfg.Dialer.MaxGlobalCalls, cfg.Dialer.MaxPerLineCalls)
	tracker := dialer.NewActiveCallTracker()
	out := outgoing.NewService(repo, pool, tracker, client, brk)
	log.Printf("[Main] Channel pool initialized (global: %d, per line: %d)",
		cfg.Dialer.MaxGlobalCalls, cfg.Dialer.MaxPerLineCalls)

	// Scheduling and retry engines register their handlers on the runner
	sched := scheduler.NewService(repo, runner, out, cfg.Scheduler)
	loc, err := time.LoadLocation(cfg.Scheduler.DefaultTimezone)
	if err != nil {
		log.Fatalf("[Main] Invalid default timezone: %v", err)
	}
	retries := retry.NewManager(repo, runner, wl, out, loc)

	// Campaign dispatch: shared rate limiter, one worker per campaign
	burst := int(cfg.Dialer.DispatchPerSec)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.Dialer.DispatchPerSec), burst)

	deps := dialer.WorkerDeps{
		Store:     store,
		Leases:    leases,
		Ledger:    ledger,
		Waitlist:  wl,
		Ready:     ready,
		Repo:      repo,
		Client:    client,
		Breaker:   brk,
		Tracker:   tracker,
		Limiter:   limiter,
		OnFailure: retries,
	}
	mgr := dialer.NewManager(repo, leases, wl, deps, elector.IsLeader)
	mgr.Start()
	defer mgr.Stop()

	prom := promoter.New(store, ledger, wl, brk, ready, mgr, cfg.Dialer.DefaultBatch)
	prom.Start()
	defer prom.Stop()

	runner.Start()
	defer runner.Stop()

	// Re-bind delayed jobs for pending scheduled calls (the delayed set may
	// have been lost with the key-value store)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sched.RebuildJobs(ctx, 1000); err != nil {
			log.Printf("[Main] Error rebuilding scheduled jobs: %v", err)
		}
		cancel()
	}

	// Janitors (all leader-gated internally)
	leaseJanitor := janitor.NewLeaseJanitor(store, leases, repo, elector.IsLeader)
	leaseJanitor.Start()
	defer leaseJanitor.Stop()

	orphanReaper := janitor.NewOrphanReaper(ledger, wl, repo, elector.IsLeader)
	orphanReaper.Start()
	defer orphanReaper.Stop()

	compactor := janitor.NewCompactor(wl, repo, elector.IsLeader)
	compactor.Start()
	defer compactor.Stop()

	reconciler := janitor.NewReconciler(ledger, repo, elector.IsLeader)
	reconciler.Start()
	defer reconciler.Stop()

	stuckMonitor := janitor.NewStuckMonitor(repo, leases, client, tracker, elector.IsLeader)
	stuckMonitor.Start()
	defer stuckMonitor.Stop()

	invariantMonitor := janitor.NewInvariantMonitor(leases, ledger, repo, brk, elector.IsLeader)
	invariantMonitor.Start()
	defer invariantMonitor.Stop()

	// Cold-start recovery runs once, on whichever instance first takes
	// leadership after this boot
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if elector.IsLeader() {
					janitor.NewColdStartGuard(store, leases, repo).Run(rootCtx)
					return
				}
			}
		}
	}()

	// Dashboard feed
	hub := websocket.NewHub()
	go hub.Run()

	// HTTP surface
	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	apiServer := api.NewServer(cfg, repo, store, leases, wl, tracker, out, sched, retries, authn, hub)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("[Main] Error starting API server: %v", err)
		}
	}()

	log.Println("[Main] ========================================")
	log.Printf("[Main] API listening on %s", cfg.API.Address())
	log.Println("[Main] Service started")
	log.Println("[Main] Press Ctrl+C to stop")
	log.Println("[Main] ========================================")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Main] Shutting down...")
}

// cmdSeedAdmin creates an operator account straight into the database, so the
// first login works before any user exists.
func cmdSeedAdmin() {
	var email, password, name, role string
	reset := false

	for i := 2; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--email":
			if i+1 < len(os.Args) {
				email = os.Args[i+1]
				i++
			}
		case "--password":
			if i+1 < len(os.Args) {
				password = os.Args[i+1]
				i++
			}
		case "--name":
			if i+1 < len(os.Args) {
				name = os.Args[i+1]
				i++
			}
		case "--role":
			if i+1 < len(os.Args) {
				role = os.Args[i+1]
				i++
			}
		case "--reset":
			reset = true
		}
	}

	if email == "" || password == "" {
		fmt.Println("Error: --email and --password are required")
		os.Exit(1)
	}
	if name == "" {
		name = "Administrator"
	}
	if role == "" {
		role = auth.RoleAdmin
	}

	cfg := loadConfig()
	dbConn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer dbConn.Close()

	if err := database.Migrate(dbConn.DB); err != nil {
		log.Fatalf("Error running migrations: %v", err)
	}
	repo := database.NewRepository(dbConn)
	defer repo.Close()

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("Error hashing password: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u := &database.User{Email: email, PasswordHash: hash, Name: name, Role: role}
	err = repo.CreateUser(ctx, u)
	if err == database.ErrConflict {
		if !reset {
			fmt.Printf("User %s already exists (use --reset to overwrite the password)\n", email)
			os.Exit(1)
		}
		if err := repo.UpdateUserPassword(ctx, email, hash); err != nil {
			log.Fatalf("Error resetting password: %v", err)
		}
		fmt.Printf("Password reset for %s\n", email)
		return
	}
	if err != nil {
		log.Fatalf("Error creating user: %v", err)
	}
	fmt.Printf("Created %s account %s (id %d)\n", role, email, u.ID)
}
