package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tilefall/tilefall/internal/buildinfo"
	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/config"
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/game"
	"github.com/tilefall/tilefall/internal/i18n"
	"github.com/tilefall/tilefall/internal/model"
	"github.com/tilefall/tilefall/internal/sched"
	"github.com/tilefall/tilefall/internal/session"
	"github.com/tilefall/tilefall/internal/store"
	"github.com/tilefall/tilefall/internal/syncer"
	"github.com/tilefall/tilefall/internal/syncmodel"
	"github.com/tilefall/tilefall/internal/transport"
	"github.com/tilefall/tilefall/internal/world"
)

// jobQueueSize bounds handler jobs waiting for the scheduler thread.
const jobQueueSize = 4096

type tilefallApp struct {
	cfg      *config.EnvConfig
	gw       *store.Gateway
	reg      *entity.Registry
	game     *game.Game
	loop     *sched.Loop
	cron     *cron.Cron
	httpSrv  *http.Server
	listener net.Listener

	jobs chan func()
}

func run() error {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log.Printf("tilefall %s (%s, built %s) starting",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	db, err := store.OpenDB(filepath.Join(cfg.DataDir, "world.db"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := store.MigrateWorldDB(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Println("World database ready")

	app, err := newTilefallApp(cfg, store.NewGateway(db))
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go app.loop.Run(loopCtx)

	serverErrCh := app.startServer()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx, stopLoop)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newTilefallApp(cfg *config.EnvConfig, gw *store.Gateway) (*tilefallApp, error) {
	app := &tilefallApp{
		cfg:  cfg,
		gw:   gw,
		jobs: make(chan func(), jobQueueSize),
	}

	c := cache.New(cfg.CacheDefaultDuration)
	tracker := entity.NewTracker()
	app.reg = entity.NewRegistry(gw, tracker, c)
	syncReg := syncmodel.NewRegistry()

	mgr := world.NewManager(c, world.Config{
		SubzoneSize: cfg.SubzoneSize,
		IdleTTL:     cfg.CacheDefaultDuration,
		Staggered:   true,
	})

	// Inconsistent sync declarations are fatal here, before serving.
	tables, err := model.Register(app.reg, syncReg, game.HearingAreaFactory(mgr, cfg.HearingRadius))
	if err != nil {
		return nil, fmt.Errorf("sync model declarations: %w", err)
	}
	for _, src := range tables.WorldSources(gw) {
		mgr.Register(src)
	}

	catalog, err := i18n.Load(cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("locale %q: %w", cfg.Locale, err)
	}

	sessions := session.NewIndex()
	srv := transport.NewServer(sessions, catalog)
	sync := syncer.New(tracker, syncReg, mgr, sessions, srv, app.reg, "user")

	app.game, err = game.New(cfg, tables, app.reg, mgr, sessions, sync, gw, catalog, srv)
	if err != nil {
		return nil, err
	}

	// All handler work funnels through the job queue onto the scheduler
	// thread, so domain state never sees two goroutines.
	post := func(job func()) {
		select {
		case app.jobs <- job:
		default:
			log.Println("[app] job queue full, dropping job")
		}
	}
	srv.Post = post
	app.game.Post = post

	app.loop = sched.New(cfg.TickFrequency)
	app.registerTasks(sync, mgr, c)

	// Messages whose TTL elapsed while the server was down go out before
	// anyone connects.
	if purged, err := app.game.PurgeExpiredMessages(); err != nil {
		return nil, fmt.Errorf("startup purge: %w", err)
	} else if purged > 0 {
		log.Printf("Purged %d expired messages from previous run", purged)
	}
	if err := app.reg.Flush(); err != nil {
		return nil, fmt.Errorf("startup flush: %w", err)
	}

	app.cron, err = app.game.StartMaintenance(cfg.MaintenanceSchedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}

	ln, err := net.Listen("tcp", formatListenAddress(cfg.ListenAddress, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("tilefall server listen: %w", err)
	}
	app.listener = ln
	app.httpSrv = &http.Server{Handler: srv}
	return app, nil
}

func (a *tilefallApp) registerTasks(sync *syncer.Syncer, mgr *world.Manager, c *cache.Cache) {
	a.loop.Add(sched.Task{
		Name:     "jobs",
		Priority: 0, // handler input before any tick work
		Fn: func(time.Duration) {
			for {
				select {
				case job := <-a.jobs:
					job()
				default:
					return
				}
			}
		},
	})
	a.loop.Add(sched.Task{
		Name:     "message_expiry",
		Every:    time.Second,
		Priority: 10,
		Fn: func(time.Duration) {
			if _, err := a.game.PurgeExpiredMessages(); err != nil {
				log.Printf("[app] message expiry: %v", err)
			}
		},
	})
	a.loop.Add(sched.Task{
		Name:     "sync",
		Every:    a.cfg.SyncFrequency,
		Priority: 20,
		Fn: func(time.Duration) {
			sync.Tick()
		},
	})
	a.loop.Add(sched.Task{
		Name:     "db_flush",
		Every:    a.cfg.DBFlushFrequency,
		Priority: 30,
		Fn: func(time.Duration) {
			if err := a.reg.Flush(); err != nil {
				log.Printf("[app] flush: %v", err)
			}
		},
	})
	a.loop.Add(sched.Task{
		Name:     "cache_clean",
		Every:    a.cfg.CacheCleanFrequency,
		Priority: 40,
		Fn: func(time.Duration) {
			evicted := a.reg.CleanExpired()
			swept := mgr.Sweep()
			cleaned := c.Clean()
			if evicted+swept+cleaned > 0 {
				log.Printf("[app] cleaned: %d entities, %d subzones, %d cache entries",
					evicted, swept, cleaned)
			}
		},
	})
}

func (a *tilefallApp) startServer() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("tilefall server starting on ws://%s", formatListenAddress(a.cfg.ListenAddress, a.cfg.Port))
		err := a.httpSrv.Serve(a.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("tilefall server: %w", err)
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *tilefallApp) shutdown(ctx context.Context, stopLoop context.CancelFunc) {
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("tilefall server stopped")

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	log.Println("Maintenance cron stopped")

	stopLoop()

	// Final flush so nothing dirty is lost.
	if err := a.reg.Flush(); err != nil {
		log.Printf("Final flush error: %v", err)
	}
	log.Println("Server stopped")
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}
