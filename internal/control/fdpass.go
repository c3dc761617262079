// Package control implements the gatekeeper<->worker control plane of
// §4.11: a paired AF_UNIX socketpair used purely to carry SCM_RIGHTS
// ancillary data (the accepted client socket's file descriptor), alongside
// a framed AF_UNIX stream connection carrying the 'l'/'T'/'t' control
// frames. This is the direct translation of worker2gatekeeper.py's
// recv1msg/WORKER_SOCK_FD and gatekeeper2worker.py's Worker.passClientHandle
// (send1msg), using golang.org/x/sys/unix instead of twisted.python.sendmsg.
package control

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// WorkerSockFD is the file descriptor number each worker process inherits
// as its half of the fd-passing socketpair, matching
// worker2gatekeeper.py's WORKER_SOCK_FD = 3.
const WorkerSockFD = 3

// WorkerSocketPath returns a fresh AF_UNIX path under dir for one worker's
// control connection, replacing collect-gatekeeper.py's
// './collect-master-worker-'+str(i)+'.sock' naming with a per-run unique
// name so a crashed-and-respawned worker never races a stale listener left
// behind by the previous instance at the same path.
func WorkerSocketPath(dir string) string {
	return filepath.Join(dir, "ucollect-worker-"+uuid.NewString()+".sock")
}

// NewSocketpair creates an AF_UNIX SOCK_STREAM socketpair for fd passing.
// The returned parentEnd is kept open by the gatekeeper; childEnd is the
// *os.File to be inherited by the spawned worker process at
// WorkerSockFD (via exec.Cmd.ExtraFiles, which Go renumbers starting at 3).
func NewSocketpair() (parentEnd *os.File, childEnd *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("control: socketpair: %w", err)
	}
	parentEnd = os.NewFile(uintptr(fds[0]), "ucollect-worker-fdpass-parent")
	childEnd = os.NewFile(uintptr(fds[1]), "ucollect-worker-fdpass-child")
	return parentEnd, childEnd, nil
}

// SendFD sends fd as SCM_RIGHTS ancillary data over pipe, the Go equivalent
// of gatekeeper2worker.py's send1msg(self.__pipe.fileno(), "\x00", 0,
// [(SOL_SOCKET, SCM_RIGHTS, pack("i", fd))]).
func SendFD(pipe *os.File, fd int) error {
	rights := unix.UnixRights(fd)
	// A single null byte as the regular payload, matching the original's
	// "\x00" — SCM_RIGHTS requires at least one byte of real data to carry
	// the ancillary data over a stream socket.
	err := unix.Sendmsg(int(pipe.Fd()), []byte{0}, rights, nil, 0)
	if err != nil {
		return fmt.Errorf("control: sendmsg: %w", err)
	}
	return nil
}

// RecvFD reads one SCM_RIGHTS message from pipe and returns the single
// descriptor it carries, the Go equivalent of
// recv1msg(WORKER_SOCK_FD, 1024) followed by unpack("i", ancillary[0][2]).
func RecvFD(pipe *os.File) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := unix.Recvmsg(int(pipe.Fd()), buf, oob, 0)
	if err != nil {
		return 0, fmt.Errorf("control: recvmsg: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("control: parsing control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return 0, fmt.Errorf("control: no ancillary data received")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return 0, fmt.Errorf("control: parsing SCM_RIGHTS: %w", err)
	}
	if len(fds) != 1 {
		return 0, fmt.Errorf("control: expected exactly one fd, got %d", len(fds))
	}
	return fds[0], nil
}
