// Command worker is the stateful back half of the pipeline described in
// §4.9: it dials back into the gatekeeper's per-process control socket,
// accepts client sockets handed off over SCM_RIGHTS, and runs each one
// through the plugin registry until it disconnects. It is the Go
// equivalent of collect-worker.py's module-level script body.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZ-NIC/ucollect/internal/activity"
	"github.com/CZ-NIC/ucollect/internal/allowlist"
	"github.com/CZ-NIC/ucollect/internal/clock"
	"github.com/CZ-NIC/ucollect/internal/config"
	"github.com/CZ-NIC/ucollect/internal/control"
	"github.com/CZ-NIC/ucollect/internal/db"
	"github.com/CZ-NIC/ucollect/internal/logger"
	"github.com/CZ-NIC/ucollect/internal/plugin"
	"github.com/CZ-NIC/ucollect/internal/plugins"
	"github.com/CZ-NIC/ucollect/internal/ratelimit"
	"github.com/CZ-NIC/ucollect/internal/session"
	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: worker <config-file> <control-socket-path>")
		os.Exit(1)
	}
	configPath, sockPath := os.Args[1], os.Args[2]

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Initialize("worker", cfg.GetDefault("log_severity", "info"), cfg.GetBoolDefault("log_pretty", false))
	log := logger.Component("worker")

	database, err := db.Open(db.Config{
		Host:     cfg.GetDefault("db_host", "localhost"),
		Port:     cfg.GetDefault("db_port", "5432"),
		User:     cfg.GetDefault("db_user", "ucollect"),
		Password: cfg.GetDefault("db_password", ""),
		DBName:   cfg.GetDefault("db_name", "ucollect"),
		SSLMode:  cfg.GetDefault("db_sslmode", "disable"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	clk := clock.New(database.SQL())
	audit := activity.New(database.SQL(), clk, log)

	limiter := ratelimit.New(float64(cfg.GetIntDefault("rate_limiter_inflow", 100)), float64(cfg.GetIntDefault("rate_limiter_bucket_capacity", 5)))
	limiter.StartRefill(time.Duration(cfg.GetIntDefault("rate_limiter_interval", 60)) * time.Second)
	defer limiter.Stop()

	registry := plugin.New(log)
	plugins.NewCount(registry, log)
	plugins.NewBuckets(registry, log)
	plugins.NewSniff(registry, log)
	plugins.NewBadconf(registry, log)

	allowList := allowlist.New(database.SQL(), log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := allowList.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start allow-list")
	}
	defer allowList.Stop()

	fastPings := make(map[string]bool)
	for _, name := range cfg.GetList("fastpings") {
		fastPings[name] = true
	}

	pipe := os.NewFile(uintptr(control.WorkerSockFD), "ucollect-fdpass")

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to gatekeeper control socket")
	}
	defer conn.Close()
	log.Info().Msg("connected to gatekeeper")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("finishing up")
		cancel()
		audit.Shutdown()
		log.Info().Msg("shutdown done")
		os.Exit(0)
	}()

	controlLoop(conn, pipe, registry, allowList, audit, clk, fastPings, log)
}

// controlLoop reads framed control messages off conn and, for each handoff
// envelope, receives the paired client socket descriptor off pipe and
// starts a worker session for it — the Go equivalent of
// Worker2GatekeeperConn.stringReceived's 'l' branch plus the SCM_RIGHTS
// recv1msg call that always immediately precedes it.
func controlLoop(conn net.Conn, pipe *os.File, registry *plugin.Registry, allowList *allowlist.AllowList, audit *activity.Queue, clk *clock.Source, fastPings map[string]bool, log zerolog.Logger) {
	reader := wire.NewReader(conn, wire.MaxFrameWorker)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			log.Error().Err(err).Msg("lost connection to gatekeeper")
			return
		}
		switch f.Op {
		case wire.OpHandoff:
			cid, replay, err := control.DecodeHandoff(f.Payload)
			if err != nil {
				log.Error().Err(err).Msg("failed to decode handoff envelope")
				continue
			}
			fd, err := control.RecvFD(pipe)
			if err != nil {
				log.Error().Err(err).Msg("failed to receive client descriptor")
				continue
			}
			clientConn, err := net.FileConn(os.NewFile(uintptr(fd), "client"))
			if err != nil {
				log.Error().Err(err).Msg("failed to wrap client descriptor")
				continue
			}
			go runClient(clientConn, cid, replay, fastPings[cid], registry, allowList, audit, clk, log)
		case wire.OpTimerTick:
			id, err := control.DecodeTimerTick(f.Payload)
			if err != nil {
				log.Warn().Err(err).Msg("malformed timer tick")
				continue
			}
			log.Trace().Str("timer", id).Msg("global timer tick")
		default:
			log.Warn().Str("op", string(f.Op)).Msg("unknown message from gatekeeper")
		}
	}
}

func runClient(conn net.Conn, cid string, replay [][]byte, fastPing bool, registry *plugin.Registry, allowList *allowlist.AllowList, audit *activity.Queue, clk *clock.Source, log zerolog.Logger) {
	defer conn.Close()
	s := session.NewWorkerSession(conn, cid, fastPing, registry, allowList, audit, clk, log)
	if err := s.Run(replay); err != nil {
		log.Debug().Str("cid", cid).Err(err).Msg("client session ended")
	}
}
