// Package supervisor is the gatekeeper process's own process tree: it spawns
// the TLS-terminating proxy and the worker children, wires each worker's
// fd-passing socketpair and control-plane listener, and watches both for
// unexpected exit so the gatekeeper can shut down rather than limp on
// without a worker. This is the direct translation of
// collect-gatekeeper.py's top-level script body (Socat/WorkerProtocol
// ProcessProtocols, the per-worker socketpair/spawnProcess loop) into a
// type instead of reactor callbacks.
package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/CZ-NIC/ucollect/internal/control"
	"github.com/rs/zerolog"
)

// WorkerProcess is one spawned worker child together with its control-plane
// peer (the fd-passing socketpair half plus the framed connection the
// worker dials back in on).
type WorkerProcess struct {
	Index      int
	SocketPath string
	Worker     *control.Worker

	cmd    *exec.Cmd
	fdPipe *os.File
}

// Supervisor owns the TLS-terminator sidecar and every worker child process,
// matching the module-level `workers` list and `socat` global of
// collect-gatekeeper.py.
type Supervisor struct {
	log     zerolog.Logger
	workDir string

	mu      sync.Mutex
	workers []*WorkerProcess
	proxy   *exec.Cmd

	fatal chan error
}

// New constructs a Supervisor. workDir is where per-worker control socket
// paths are created, matching where collect-gatekeeper.py drops its
// './collect-master-worker-N.sock' files.
func New(workDir string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		log:     log.With().Str("component", "supervisor").Logger(),
		workDir: workDir,
		fatal:   make(chan error, 1),
	}
}

// Fatal reports the first unrecoverable condition observed: a worker dying,
// the proxy dying, or a spawn failure. The gatekeeper main loop should treat
// a value here the way collect-gatekeeper.py's processEnded handlers treat
// reactor.stop() — shut everything else down.
func (sv *Supervisor) Fatal() <-chan error { return sv.fatal }

func (sv *Supervisor) reportFatal(err error) {
	select {
	case sv.fatal <- err:
	default:
		// Already have one pending; first failure wins.
	}
}

// SpawnWorkers starts count worker child processes, each given its own
// fd-passing socketpair half (inherited as control.WorkerSockFD) and its
// own control socket path to dial back in on. binPath/configPath mirror
// collect-gatekeeper.py's args = ['./collect-worker.py', sys.argv[1], worker_sock].
func (sv *Supervisor) SpawnWorkers(count int, binPath, configPath string) ([]*WorkerProcess, error) {
	workers := make([]*WorkerProcess, 0, count)
	for i := 0; i < count; i++ {
		wp, err := sv.spawnOneWorker(i, binPath, configPath)
		if err != nil {
			return nil, fmt.Errorf("supervisor: spawning worker %d: %w", i, err)
		}
		workers = append(workers, wp)
	}
	sv.mu.Lock()
	sv.workers = append(sv.workers, workers...)
	sv.mu.Unlock()
	return workers, nil
}

func (sv *Supervisor) spawnOneWorker(index int, binPath, configPath string) (*WorkerProcess, error) {
	parentEnd, childEnd, err := control.NewSocketpair()
	if err != nil {
		return nil, err
	}

	sockPath := control.WorkerSocketPath(sv.workDir)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, fmt.Errorf("listening on worker control socket: %w", err)
	}

	cmd := exec.Command(binPath, configPath, sockPath)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Go renumbers ExtraFiles starting at fd 3, matching
	// childFDs={..., WORKER_SOCK_FD: child_sock.fileno()}.
	cmd.ExtraFiles = []*os.File{childEnd}

	if err := cmd.Start(); err != nil {
		ln.Close()
		parentEnd.Close()
		childEnd.Close()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}
	// The parent's copy of the child's half is only needed for inheritance
	// across exec; close it once the child has it open.
	childEnd.Close()

	wp := &WorkerProcess{
		Index:      index,
		SocketPath: sockPath,
		Worker:     control.NewWorker(parentEnd, sv.log),
		cmd:        cmd,
		fdPipe:     parentEnd,
	}

	go sv.acceptControlConn(wp, ln)
	go sv.watchWorker(wp)

	return wp, nil
}

// acceptControlConn waits for the spawned worker to dial back in on its
// control socket, the Go equivalent of UNIXServerEndpoint(reactor,
// worker_sock).listen(...) firing Gatekeeper2WorkerConnFactory.buildProtocol.
func (sv *Supervisor) acceptControlConn(wp *WorkerProcess, ln net.Listener) {
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		sv.log.Error().Int("worker", wp.Index).Err(err).Msg("worker never connected on control socket")
		sv.reportFatal(fmt.Errorf("worker %d never connected: %w", wp.Index, err))
		return
	}
	wp.Worker.Connected(conn)
	sv.log.Debug().Int("worker", wp.Index).Msg("worker control connection established")
}

func (sv *Supervisor) watchWorker(wp *WorkerProcess) {
	err := wp.cmd.Wait()
	sv.log.Error().Int("worker", wp.Index).Err(err).Msg("worker process exited")
	sv.reportFatal(fmt.Errorf("worker %d exited: %w", wp.Index, err))
}

// SpawnProxy starts the TLS-terminating sidecar (soxy in the original,
// compiled to binPath here) with the given args, the Go equivalent of
// collect-gatekeeper.py's Socat ProcessProtocol.
func (sv *Supervisor) SpawnProxy(binPath string, args []string) error {
	cmd := exec.Command(binPath, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: starting proxy: %w", err)
	}

	sv.mu.Lock()
	sv.proxy = cmd
	sv.mu.Unlock()

	sv.log.Info().Msg("started proxy")
	go func() {
		err := cmd.Wait()
		sv.mu.Lock()
		stopping := sv.proxy == nil
		sv.proxy = nil
		sv.mu.Unlock()
		if stopping {
			// Shutdown() already cleared sv.proxy before signaling; a
			// normal exit here is expected, not fatal.
			return
		}
		sv.log.Error().Err(err).Msg("lost proxy")
		sv.reportFatal(fmt.Errorf("proxy exited: %w", err))
	}()
	return nil
}

// Workers returns the currently spawned worker processes.
func (sv *Supervisor) Workers() []*WorkerProcess {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*WorkerProcess, len(sv.workers))
	copy(out, sv.workers)
	return out
}

// Shutdown signals the proxy to terminate, matching collect-gatekeeper.py's
// end-of-script `soc.signalProcess('TERM')`. Worker processes are left for
// the caller to terminate (they drain their own activity queue on their own
// SIGTERM, via collect-worker.py's analogous shutdown sequence).
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	proxy := sv.proxy
	sv.proxy = nil
	sv.mu.Unlock()

	if proxy != nil && proxy.Process != nil {
		if err := proxy.Process.Signal(syscall.SIGTERM); err != nil {
			sv.log.Warn().Err(err).Msg("failed to signal proxy")
		}
	}
}
