// Package memory implements an in-memory queue.Service that simulates a
// cluster. Time only moves when units are listed: each List call is one tick,
// after which every unit is one tick older. A unit starts once it is
// startAfter ticks old and leaves the queue once it is finishAfter ticks old.
//
// Hooks observe those moves, which is how tests make units produce output, and
// failures can be injected per operation.
package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
)

const (
	DefaultStartAfter  = 1
	DefaultFinishAfter = 2
)

// Hooks are called outside the queue lock, in tick order.
type Hooks struct {
	OnStart  func(unit queue.Unit)
	OnFinish func(unit queue.Unit)
}

type Option func(*Queue)

// WithTicks sets the age at which units start and finish.
func WithTicks(startAfter, finishAfter int) Option {
	return func(q *Queue) {
		q.startAfter = startAfter
		q.finishAfter = finishAfter
	}
}

func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

type entry struct {
	id      string
	unit    queue.Unit
	age     int
	started bool
}

// Queue is safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	nextID      int
	units       []*entry
	startAfter  int
	finishAfter int
	hooks       Hooks

	failures     map[string]int
	loseResponse int
	rejections   map[string]string

	peak      int
	submitted []queue.Unit
	deleted   []string
}

var _ queue.Service = &Queue{}

func New(opts ...Option) *Queue {
	q := &Queue{
		nextID:      1,
		startAfter:  DefaultStartAfter,
		finishAfter: DefaultFinishAfter,
		failures:    map[string]int{},
		rejections:  map[string]string{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// FailNext makes the next n calls of op ("submit", "list" or "delete") fail
// with a TransientError before touching the queue.
func (q *Queue) FailNext(op string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures[op] += n
}

// LoseNextSubmitResponses makes the next n submissions reach the queue but
// report a TransientError to the caller.
func (q *Queue) LoseNextSubmitResponses(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loseResponse += n
}

// Reject makes every submission of a unit whose name starts with namePrefix
// fail with a SubmissionError carrying msg.
func (q *Queue) Reject(namePrefix, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rejections[namePrefix] = msg
}

// Vanish drops a unit without finishing it, like a node going down.
func (q *Queue) Vanish(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(id)
}

// Peak is the largest number of units ever visible right after a submission.
func (q *Queue) Peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Visible is the number of units currently in the queue.
func (q *Queue) Visible() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

// Submitted returns every unit accepted so far, in order.
func (q *Queue) Submitted() []queue.Unit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Unit(nil), q.submitted...)
}

// Deleted returns the ids removed through Delete.
func (q *Queue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

// UnitOf returns the unit behind id while it is visible.
func (q *Queue) UnitOf(id string) (queue.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.units {
		if e.id == id {
			return e.unit, true
		}
	}
	return queue.Unit{}, false
}

func (q *Queue) Submit(ctx context.Context, unit queue.Unit) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.injected("submit"); err != nil {
		return "", err
	}
	for prefix, msg := range q.rejections {
		if strings.HasPrefix(unit.Name, prefix) {
			return "", queue.NewSubmissionError(unit.Name, msg)
		}
	}

	id := strconv.Itoa(q.nextID)
	q.nextID++
	q.units = append(q.units, &entry{id: id, unit: unit})
	q.submitted = append(q.submitted, unit)
	if len(q.units) > q.peak {
		q.peak = len(q.units)
	}
	log.WithFields(
		log.Fields{
			"unitName": unit.Name,
			"unitID":   id,
		}).Debug("memory: accepted unit")

	if q.loseResponse > 0 {
		q.loseResponse--
		return "", queue.NewTransientError("submit", fmt.Errorf("response for %s lost", unit.Name))
	}
	return id, nil
}

func (q *Queue) List(ctx context.Context, namePrefix string, state queue.State) ([]string, error) {
	q.mu.Lock()
	if err := q.injected("list"); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	var ids []string
	for _, e := range q.units {
		if !queue.Matches(e.unit.Name, namePrefix) {
			continue
		}
		if (state == queue.Pending && e.started) || (state == queue.Running && !e.started) {
			continue
		}
		ids = append(ids, e.id)
	}
	calls := q.tick()
	q.mu.Unlock()

	for _, call := range calls {
		call()
	}
	return ids, nil
}

func (q *Queue) Delete(ctx context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.injected("delete"); err != nil {
		return err
	}
	for _, id := range ids {
		if q.remove(id) {
			q.deleted = append(q.deleted, id)
		}
	}
	return nil
}

// tick ages every unit and returns the hook calls it triggered.
func (q *Queue) tick() []func() {
	var calls []func()
	var kept []*entry
	for _, e := range q.units {
		e.age++
		u := e.unit
		if !e.started && e.age >= q.startAfter {
			e.started = true
			if q.hooks.OnStart != nil {
				calls = append(calls, func() { q.hooks.OnStart(u) })
			}
		}
		if e.started && e.age >= q.finishAfter {
			if q.hooks.OnFinish != nil {
				calls = append(calls, func() { q.hooks.OnFinish(u) })
			}
			continue
		}
		kept = append(kept, e)
	}
	q.units = kept
	return calls
}

func (q *Queue) remove(id string) bool {
	for i, e := range q.units {
		if e.id == id {
			q.units = append(q.units[:i], q.units[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) injected(op string) error {
	if q.failures[op] > 0 {
		q.failures[op]--
		return queue.NewTransientError(op, fmt.Errorf("injected %s failure", op))
	}
	return nil
}

// ScriptHooks runs each unit's script with bash when the unit finishes,
// appending its streams to the unit's log files. It turns the simulated
// queue into a sequential local executor.
func ScriptHooks(execer exec.OsExec) Hooks {
	return Hooks{
		OnFinish: func(unit queue.Unit) {
			if err := runScript(execer, unit); err != nil {
				log.WithFields(
					log.Fields{
						"unitName": unit.Name,
						"err":      err,
					}).Warn("memory: unit script failed")
			}
		},
	}
}

func runScript(execer exec.OsExec, unit queue.Unit) error {
	stdout, err := os.OpenFile(unit.Stdout, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", unit.Stdout)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(unit.Stderr, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", unit.Stderr)
	}
	defer stderr.Close()

	cmd := execer.Command("bash", unit.Script)
	cmd.SetStdout(stdout)
	cmd.SetStderr(stderr)
	return cmd.Run()
}
