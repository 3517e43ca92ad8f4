package exec

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Killable is a started command running in its own process group.
type Killable struct {
	cmd  Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// StartKillable starts cmd in a new session and waits for it in the background.
func StartKillable(cmd Cmd) (*Killable, error) {
	cmd.SetSession(true)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	k := &Killable{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		k.mu.Lock()
		k.err = err
		k.mu.Unlock()
		close(k.done)
	}()
	return k, nil
}

// Done is closed once the command has exited.
func (k *Killable) Done() <-chan struct{} {
	return k.done
}

// Err is the result of Wait, valid once Done is closed.
func (k *Killable) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Kill sends SIGTERM to the whole process group and SIGKILL if it is still
// running after grace. It returns once the command has exited.
func (k *Killable) Kill(grace time.Duration) error {
	p := k.cmd.Process()
	if p == nil {
		return nil
	}
	select {
	case <-k.done:
		return nil
	default:
	}
	log.Debugf("Sending SIGTERM to process group %d", p.Pid)
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		log.Errorf("Failed to send SIGTERM to process group %d: %s", p.Pid, err)
		return err
	}

	select {
	case <-k.done:
	case <-time.After(grace):
		log.Infof("Process group %d hasn't exited, sending SIGKILL", p.Pid)
		if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			log.Errorf("Failed to SIGKILL process group %d: %s", p.Pid, err)
			return err
		}
		<-k.done
	}
	return nil
}
