// Command gatekeeper is the TLS-terminated, high-churn front door described
// in §4.8: it accepts client TCP connections off the terminator sidecar,
// drives the challenge/login/auth handshake, and hands each authenticated
// client off to a worker shard chosen by hash(cid) mod N. It is also its
// own process supervisor, translating collect-gatekeeper.py's module-level
// script body into an explicit main().
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/CZ-NIC/ucollect/internal/authclient"
	"github.com/CZ-NIC/ucollect/internal/config"
	"github.com/CZ-NIC/ucollect/internal/logger"
	"github.com/CZ-NIC/ucollect/internal/session"
	"github.com/CZ-NIC/ucollect/internal/supervisor"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "gatekeeper.ini", "path to the gatekeeper/worker configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Initialize("gatekeeper", cfg.GetDefault("log_severity", "info"), cfg.GetBoolDefault("log_pretty", false))
	log := logger.Component("gatekeeper")

	workDir := cfg.GetDefault("run_dir", ".")
	workerCount := cfg.GetIntDefault("workers_cnt", 1)
	workerBin := cfg.GetDefault("worker_bin", "./worker")
	proxyBin := cfg.GetDefault("proxy_bin", "./soxy/soxy")
	authAddr := cfg.GetDefault("auth_addr", "127.0.0.1:5678")
	proxyPort := cfg.GetIntDefault("port_proxy_master", 23258)
	compressionPort := cfg.GetIntDefault("port_compression", 23256)

	sv := supervisor.New(workDir, log)

	workers, err := sv.SpawnWorkers(workerCount, workerBin, *configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to spawn workers")
	}

	proxyArgs := []string{
		cfg.GetDefault("cert", "cert.pem"),
		cfg.GetDefault("key", "key.pem"),
		cfg.GetDefault("ca", "ca.pem"),
		fmt.Sprintf("%d", compressionPort),
		fmt.Sprintf("127.0.0.1:%d", proxyPort),
		"compress",
	}
	if err := sv.SpawnProxy(proxyBin, proxyArgs); err != nil {
		log.Fatal().Err(err).Msg("failed to spawn proxy")
	}

	auth := authclient.New(authAddr, log)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", proxyPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen for client connections")
	}
	log.Info().Msg("init done")

	go acceptLoop(ln, auth, workers, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-sv.Fatal():
		log.Error().Err(err).Msg("fatal condition, shutting down")
	}

	_ = ln.Close()
	sv.Shutdown()
	log.Info().Msg("shutdown done")
}

// acceptLoop accepts one client TCP connection at a time off the
// terminator-forwarded port and drives it through the challenge/login
// handshake, matching ClientGatekeeperFactory.buildProtocol.
func acceptLoop(ln net.Listener, auth *authclient.Client, workers []*supervisor.WorkerProcess, log zerolog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept failed")
			return
		}
		go func() {
			defer conn.Close()
			gs := session.NewGatekeeperSession(conn, auth, len(workers), handoffFunc(conn, workers, log), log)
			if err := gs.Run(); err != nil {
				log.Debug().Err(err).Msg("client session ended")
			}
		}()
	}
}

// handoffFunc duplicates the client socket's file descriptor and passes it
// to the chosen worker shard via SCM_RIGHTS, the Go equivalent of
// client_master.py handing connection.transport off to Worker.passClientHandle.
func handoffFunc(conn net.Conn, workers []*supervisor.WorkerProcess, log zerolog.Logger) session.HandoffFunc {
	return func(cid string, replay [][]byte, idx int) {
		if idx < 0 || idx >= len(workers) {
			log.Error().Int("idx", idx).Msg("worker index out of range")
			return
		}
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			log.Error().Msg("client connection is not a TCP connection, cannot pass its descriptor")
			return
		}
		f, err := tc.File()
		if err != nil {
			log.Error().Err(err).Msg("failed to duplicate client socket descriptor")
			return
		}
		defer f.Close()

		if err := workers[idx].Worker.PassClientHandle(cid, replay, int(f.Fd())); err != nil {
			log.Error().Err(err).Str("cid", cid).Msg("failed to hand client off to worker")
		}
	}
}
