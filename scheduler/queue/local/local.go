// Package local runs units as child processes of the current process. Each
// unit gets its own process group so Delete can kill the whole tree. Units
// live only as long as the Service: a restarted vosges sees none of them.
package local

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
)

const DefaultKillGrace = 5 * time.Second

type Config struct {
	// MaxProcs bounds the number of running units, further units stay
	// pending. 0 means unbounded.
	MaxProcs  int
	KillGrace time.Duration
	Shell     string
}

type proc struct {
	id     string
	unit   queue.Unit
	k      *exec.Killable
	closer func()
}

func (p *proc) finished() bool {
	if p.k == nil {
		return false
	}
	select {
	case <-p.k.Done():
		return true
	default:
		return false
	}
}

type Service struct {
	cfg    Config
	execer exec.OsExec

	mu     sync.Mutex
	nextID int
	procs  []*proc
}

var _ queue.Service = &Service{}

func New(cfg Config, execer exec.OsExec) *Service {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	return &Service{cfg: cfg, execer: execer, nextID: 1}
}

func (s *Service) Submit(ctx context.Context, unit queue.Unit) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap()

	p := &proc{id: strconv.Itoa(s.nextID), unit: unit}
	if s.hasSlot() {
		if err := s.start(p); err != nil {
			return "", queue.NewTransientError("start", err)
		}
	}
	s.nextID++
	s.procs = append(s.procs, p)
	return p.id, nil
}

func (s *Service) List(ctx context.Context, namePrefix string, state queue.State) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap()

	var ids []string
	for _, p := range s.procs {
		if !queue.Matches(p.unit.Name, namePrefix) {
			continue
		}
		running := p.k != nil
		if (state == queue.Running && !running) || (state == queue.Pending && running) {
			continue
		}
		ids = append(ids, p.id)
	}
	return ids, nil
}

// Delete drops pending units and kills running ones, waiting for them to exit.
func (s *Service) Delete(ctx context.Context, ids []string) error {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	var kill []*proc
	var kept []*proc
	for _, p := range s.procs {
		switch {
		case !want[p.id]:
			kept = append(kept, p)
		case p.k != nil:
			kill = append(kill, p)
		}
	}
	s.procs = kept
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(kill))
	for i, p := range kill {
		wg.Add(1)
		go func(i int, p *proc) {
			defer wg.Done()
			errs[i] = p.k.Kill(s.cfg.KillGrace)
			p.closer()
		}(i, p)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return queue.NewTransientError("kill", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap()
	return nil
}

// Shutdown kills every unit.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	var ids []string
	for _, p := range s.procs {
		ids = append(ids, p.id)
	}
	s.mu.Unlock()
	return s.Delete(context.Background(), ids)
}

func (s *Service) hasSlot() bool {
	if s.cfg.MaxProcs <= 0 {
		return true
	}
	running := 0
	for _, p := range s.procs {
		if p.k != nil {
			running++
		}
	}
	return running < s.cfg.MaxProcs
}

// reap forgets finished units and starts pending ones in submission order.
// Called with s.mu held.
func (s *Service) reap() {
	var kept []*proc
	for _, p := range s.procs {
		if p.finished() {
			p.closer()
			log.WithFields(
				log.Fields{
					"unitID":   p.id,
					"unitName": p.unit.Name,
					"err":      p.k.Err(),
				}).Debug("local: unit exited")
			continue
		}
		kept = append(kept, p)
	}
	s.procs = kept

	kept = nil
	for _, p := range s.procs {
		if p.k == nil && s.hasSlot() {
			if err := s.start(p); err != nil {
				log.WithFields(
					log.Fields{
						"unitID":   p.id,
						"unitName": p.unit.Name,
						"err":      err,
					}).Error("local: could not start pending unit, dropping it")
				continue
			}
		}
		kept = append(kept, p)
	}
	s.procs = kept
}

func (s *Service) start(p *proc) error {
	stdout, err := openLog(p.unit.Stdout)
	if err != nil {
		return err
	}
	stderr, err := openLog(p.unit.Stderr)
	if err != nil {
		stdout.Close()
		return err
	}
	closer := func() {
		stdout.Close()
		stderr.Close()
	}

	cmd := s.execer.Command(s.cfg.Shell, p.unit.Script)
	cmd.SetStdout(stdout)
	cmd.SetStderr(stderr)
	k, err := exec.StartKillable(cmd)
	if err != nil {
		closer()
		return errors.Wrapf(err, "starting %s", p.unit.Script)
	}
	p.k = k
	p.closer = closer
	return nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return f, nil
}
