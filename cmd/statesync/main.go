// Command statesync runs the UDP state-synchronization server.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"statesync/internal/admin"
	"statesync/internal/analytics"
	"statesync/internal/config"
	"statesync/internal/game"
	"statesync/internal/logging"
	"statesync/internal/protocol"
	"statesync/internal/reliable"
	"statesync/internal/transport"
)

func main() {
	cfg, err := config.Load(config.Flags("statesync"), os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	os.Exit(finish(log, run(cfg, log)))
}

// finish logs a fatal run error and flushes the logger, returning the exit
// code.
func finish(log *zap.SugaredLogger, err error) int {
	code := 0
	if err != nil {
		log.Errorw("server failed", "error", err)
		code = 1
	}
	log.Sync()
	return code
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	var db *analytics.DB
	var tracker *analytics.Analytics
	if cfg.Analytics.DBPath != "" {
		var err error
		if db, err = analytics.OpenDB(cfg.Analytics.DBPath); err != nil {
			return err
		}
		defer db.Close()
		tracker = analytics.NewAnalytics(db, log.Named("analytics"))
		defer tracker.Stop()
	}

	srv := transport.NewServer(transport.Config{
		Addr:             cfg.Server.Addr,
		HeartbeatTimeout: cfg.Server.HeartbeatTimeout,
		ServiceInterval:  cfg.Server.ServiceInterval,
		Workers:          cfg.Server.Workers,
		QueueSize:        cfg.Server.QueueSize,
		MaxDatagram:      cfg.Server.MaxDatagram,
		RateLimit:        cfg.Server.RateLimit,
		RateBurst:        cfg.Server.RateBurst,
		LogPackets:       cfg.Log.Packets,
	}, protocol.NewCodec(cfg.Protocol.CompressAbove), log.Named("transport"))
	if err := srv.Listen(); err != nil {
		return err
	}

	rel := reliable.New(srv, reliable.Config{
		ResendAfter: cfg.Reliable.ResendAfter,
		MaxSequence: cfg.Reliable.MaxSequence,
	}, log.Named("reliable"))

	g := game.New(game.Config{
		World:          game.NewWorld(cfg.World.Width, cfg.World.Height),
		PlayerSpeed:    cfg.Game.PlayerSpeed,
		BulletSpeed:    cfg.Game.BulletSpeed,
		BulletLifetime: cfg.Game.BulletLifetime,
		MaxBullets:     cfg.Game.MaxBullets,
	}, srv, rel, log.Named("game"))
	g.Register(srv)

	loop := game.NewLoop(g, cfg.Server.TickRate, log.Named("loop"))

	if tracker != nil {
		g.SetTracker(tracker)
		rel.OnWrap(func() {
			tracker.Track(analytics.EvtSequenceWrap, 0, "", "")
		})
		rel.OnRetransmit(func(seq uint32, target netip.AddrPort) {
			tracker.Track(analytics.EvtRetransmit, 0, "", fmt.Sprintf(`{"seq":%d,"client":%q}`, seq, target.String()))
		})
		loop.OnDegraded(func(elapsed time.Duration) {
			tracker.Track(analytics.EvtDegradedTick, 0, "", fmt.Sprintf(`{"elapsed":%.4f}`, elapsed.Seconds()))
		})
	}

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	// The transport stops only after the loop has returned.
	netCtx, stopNet := context.WithCancel(context.Background())
	defer stopNet()

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Run(netCtx); err != nil {
			errc <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		loop.Run(ctx)
		stopNet()
	}()

	if cfg.Admin.Addr != "" {
		var store admin.SettingsStore
		if db != nil {
			store = db
		}
		hub := admin.NewHub(g, cfg.Admin.SpectateRate, log.Named("spectate"))
		adm := admin.NewServer(admin.Config{
			Addr:         cfg.Admin.Addr,
			PasswordHash: cfg.Admin.PasswordHash,
			PublicAddr:   cfg.Admin.PublicAddr,
			SpectateRate: cfg.Admin.SpectateRate,
		}, admin.NewAuth(cfg.Admin.PasswordHash, store, log.Named("admin")), hub,
			statsFunc(srv, rel, loop, g, hub, tracker), log.Named("admin"))

		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := adm.ListenAndServe(ctx); err != nil {
				errc <- err
				cancel()
			}
		}()
	}

	log.Infow("server started", "addr", srv.LocalAddr().String(), "tick_rate", cfg.Server.TickRate)
	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// statsFunc gathers every component's counters for the admin stats endpoint.
func statsFunc(srv *transport.Server, rel *reliable.Layer, loop *game.Loop, g *game.Game, hub *admin.Hub, tracker *analytics.Analytics) admin.StatsFunc {
	return func() interface{} {
		out := map[string]interface{}{
			"transport":  srv.Stats(),
			"clients":    srv.Clients(),
			"reliable":   rel.Stats(),
			"loop":       loop.Stats(),
			"game":       g.Stats(),
			"spectators": hub.Count(),
		}
		if tracker != nil {
			if counts, err := tracker.EventCounts(1); err == nil {
				out["events_24h"] = counts
			}
			if n, err := tracker.SessionCount(); err == nil {
				out["sessions"] = n
			}
			if avg, err := tracker.AverageSession(7); err == nil {
				out["avg_session_seconds_7d"] = avg
			}
			out["events_dropped"] = tracker.Dropped()
		}
		return out
	}
}
