// Package engine drives a sealed experiment to completion on a queue.
//
// The Scheduler is a single goroutine polling loop. Every tick it lists the
// experiment's units in the queue, reads the protocol logs of the jobs it
// handed out, marks jobs whose unit disappeared without a terminal status as
// killed and cancels what can no longer run. Between ticks it submits at most
// one unit, the first submittable job in declaration order batched with the
// following submittable jobs of its group, as long as the number of visible
// units stays below the group's ceiling.
//
// All state lives in the experiment and in append-only logs on disk, so a
// later process can Resume a run that was interrupted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/luci/go-render/render"
	uuid "github.com/nu7hatch/gouuid"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/log/hooks"
	"github.com/twitter/vosges/common/log/tags"
	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/protocol"
	"github.com/twitter/vosges/scheduler/queue"
	"github.com/twitter/vosges/scheduler/script"
)

// TimeFormat is used for the time stamps written to logs.
const TimeFormat = "2006-01-02 15:04:05"

// ErrInterrupted is returned when the context is canceled. Submitted units
// keep running.
var ErrInterrupted = errors.New("interrupted")

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("VOSGES_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	}
}

// unit is one submission: a queue id and the jobs it runs.
type unit struct {
	id    string
	name  string
	group *domain.Group
	jobs  []*domain.Job
}

type Scheduler struct {
	exp      *domain.Experiment
	layout   layout.Layout
	client   *queue.Client
	config   Config
	reporter Reporter
	stat     stats.StatsReceiver

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	units        map[string]*unit
	unitOf       map[*domain.Job]string
	resumed      bool
	runID        string
	started      time.Time
	groupStarted map[*domain.Group]time.Time
	groupDone    map[*domain.Group]bool
	lastReport   time.Time
	dirty        bool
	progress     string
	drainStart   time.Time
}

// New creates a Scheduler for the sealed experiment exp whose files live in l.
// reporter and stat may be nil.
func New(exp *domain.Experiment, l layout.Layout, client *queue.Client, config Config,
	reporter Reporter, stat stats.StatsReceiver) (*Scheduler, error) {
	if !exp.Sealed() {
		return nil, fmt.Errorf("experiment %s must be sealed before it is scheduled", exp.Name())
	}
	if config.CancelPolicy == "" {
		config.CancelPolicy = CancelDownstream
	}
	if _, err := ParseCancelPolicy(string(config.CancelPolicy)); err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Scheduler{
		exp:          exp,
		layout:       l,
		client:       client,
		config:       config,
		reporter:     reporter,
		stat:         stat.Scope("scheduler"),
		now:          time.Now,
		sleep:        sleep,
		units:        map[string]*unit{},
		unitOf:       map[*domain.Job]string{},
		groupStarted: map[*domain.Group]time.Time{},
		groupDone:    map[*domain.Group]bool{},
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run schedules the experiment from scratch and returns its final status.
// Job failures are reported through the status, not the error. The error is
// ErrInterrupted when ctx is canceled, a *queue.SubmissionError when the queue
// refuses a unit, or an I/O error.
func (s *Scheduler) Run(ctx context.Context) (domain.Status, error) {
	return s.run(ctx)
}

// Resume restores job statuses from their logs and reattaches to the units
// that were in flight, then continues like Run.
func (s *Scheduler) Resume(ctx context.Context) (domain.Status, error) {
	if err := s.restore(ctx); err != nil {
		return s.exp.Status(), err
	}
	s.resumed = true
	return s.run(ctx)
}

// RunID identifies the current run in the experiment log.
func (s *Scheduler) RunID() string {
	return s.runID
}

func (s *Scheduler) run(ctx context.Context) (domain.Status, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return s.exp.Status(), pkgerrors.Wrap(err, "generating run id")
	}
	s.runID = id.String()
	s.started = s.now()
	s.dirty = true

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	if err := protocol.AppendFile(s.layout.ExperimentStderr(),
		protocol.MakeStatsEvent(map[string]interface{}{
			"time_started": s.started.Format(TimeFormat),
			"run_id":       s.runID,
			"name_code":    s.layout.NameCode,
			"resumed":      s.resumed,
		}),
		protocol.MakeEnvironEvent(env)); err != nil {
		return s.exp.Status(), err
	}

	s.entry().WithFields(log.Fields{
		"runID":  s.runID,
		"jobs":   len(s.exp.Jobs()),
		"groups": len(s.exp.Groups()),
		"config": s.config.String(),
	}).Info("Starting experiment")

	status, err := s.loop(ctx)

	if repErr := s.reporter.Snapshot(s.exp, true); repErr != nil {
		log.WithFields(log.Fields{"err": repErr}).Error("Failed to write final snapshot")
	}
	if err != nil {
		s.entry().WithFields(log.Fields{"err": err, "status": status}).Warn("Experiment stopped")
		return status, err
	}

	if err := protocol.AppendFile(s.layout.ExperimentStderr(),
		protocol.MakeStatsEvent(map[string]interface{}{"time_finished": s.now().Format(TimeFormat)}),
		protocol.MakeStatusEvent(status)); err != nil {
		return status, err
	}
	s.entry().WithFields(log.Fields{
		"status":  status,
		"elapsed": s.now().Sub(s.started),
	}).Info("Experiment finished")
	return status, nil
}

func (s *Scheduler) loop(ctx context.Context) (domain.Status, error) {
	for {
		visible, err := s.tick(ctx)
		if err != nil {
			return s.abort(ctx, err)
		}

		batch := s.nextBatch()
		switch {
		case batch != nil && len(visible) < batch[0].Group().Options().ParallelJobs:
			if err := s.submit(ctx, batch); err != nil {
				return s.abort(ctx, err)
			}
			continue

		case batch != nil:
			s.stat.Counter(stats.SchedCeilingWaitCounter).Inc(1)

		case len(visible) == 0:
			if n := s.count(domain.Waiting); n > 0 {
				return s.exp.Status(), fmt.Errorf("%d waiting jobs can never be submitted", n)
			}
			return s.exp.Status(), nil

		case len(s.units) == 0:
			// only units we do not own are left
			if s.drainStart.IsZero() {
				s.drainStart = s.now()
				log.Infof("Waiting for %d units to leave the queue", len(visible))
			} else if s.config.DrainTimeout > 0 && s.now().Sub(s.drainStart) > s.config.DrainTimeout {
				log.Warnf("Giving up on %d units still in the queue after %s", len(visible), s.config.DrainTimeout)
				return s.exp.Status(), nil
			}
		}

		if err := s.sleep(ctx, s.config.PollInterval); err != nil {
			return s.abort(ctx, err)
		}
	}
}

func (s *Scheduler) abort(ctx context.Context, err error) (domain.Status, error) {
	if ctx.Err() != nil {
		return s.exp.Status(), ErrInterrupted
	}
	return s.exp.Status(), err
}

// tick reconciles job statuses with the queue and the job logs. It returns the
// ids of the experiment's visible units.
func (s *Scheduler) tick(ctx context.Context) (map[string]bool, error) {
	defer s.stat.Latency(stats.SchedPollLatency_ms).Time().Stop()

	ids, err := s.client.List(ctx, s.layout.UnitPrefix(), queue.Any)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(ids))
	for _, id := range ids {
		visible[id] = true
	}

	for _, j := range s.exp.Jobs() {
		if !j.Status().IsActive() {
			continue
		}
		if err := s.readback(j); err != nil {
			return nil, err
		}
		id, ok := s.unitOf[j]
		if j.Status().IsActive() && (!ok || !visible[id]) {
			if err := s.setStatus(j, domain.Killed, true); err != nil {
				return nil, err
			}
		}
	}
	for id := range s.units {
		if !visible[id] {
			delete(s.units, id)
		}
	}

	if err := s.cascade(); err != nil {
		return nil, err
	}
	s.groupsDone()
	s.updateStats(len(ids))
	s.maybeReport()
	return visible, nil
}

// readback applies the last status found in j's log.
func (s *Scheduler) readback(j *domain.Job) error {
	l, err := protocol.ReadFile(s.layout.JobStderr(j))
	if err != nil {
		return err
	}
	if n := l.Malformed(); n > 0 {
		s.stat.Counter(stats.SchedProtocolReadErrCounter).Inc(int64(n))
	}
	status, ok := l.Status()
	if !ok || status == j.Status() {
		return nil
	}
	if !j.Status().CanTransitionTo(status) {
		s.jobEntry(j).WithFields(log.Fields{"logged": status}).Warn("Ignoring status going backwards")
		return nil
	}
	return s.setStatus(j, status, false)
}

// setStatus moves j to status, appending the status to j's log when record is set.
func (s *Scheduler) setStatus(j *domain.Job, status domain.Status, record bool) error {
	if record {
		if err := protocol.AppendFile(s.layout.JobStderr(j), protocol.MakeStatusEvent(status)); err != nil {
			return err
		}
	}
	if err := j.SetStatus(status); err != nil {
		return err
	}
	s.dirty = true

	switch status {
	case domain.Success:
		s.stat.Counter(stats.SchedSucceededJobsCounter).Inc(1)
	case domain.Error:
		s.stat.Counter(stats.SchedFailedJobsCounter).Inc(1)
	case domain.Killed:
		s.stat.Counter(stats.SchedKilledJobsCounter).Inc(1)
	case domain.Canceled:
		s.stat.Counter(stats.SchedCanceledJobsCounter).Inc(1)
	}
	entry := s.jobEntry(j).WithFields(log.Fields{"status": status})
	if status.IsFailed() {
		entry.Warn("Job failed")
	} else {
		entry.Debug("Job status changed")
	}
	return nil
}

// cascade cancels waiting jobs according to the cancel policy, to a fixpoint.
func (s *Scheduler) cascade() error {
	if s.config.CancelPolicy == CancelAll {
		if s.count(domain.Error)+s.count(domain.Killed)+s.count(domain.Canceled) == 0 {
			return nil
		}
		for _, j := range s.exp.Jobs() {
			if j.Status() == domain.Waiting {
				if err := s.setStatus(j, domain.Canceled, true); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for changed := true; changed; {
		changed = false
		for _, j := range s.exp.Jobs() {
			if j.Status() != domain.Waiting {
				continue
			}
			for _, up := range j.Upstream() {
				if up.Status().IsFailed() {
					if err := s.setStatus(j, domain.Canceled, true); err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}
	}
	return nil
}

func submittable(j *domain.Job) bool {
	if j.Status() != domain.Waiting {
		return false
	}
	for _, dep := range j.Dependencies() {
		if dep.Status() != domain.Success {
			return false
		}
	}
	return true
}

// nextBatch returns the first submittable job followed by the next
// submittable jobs of its group, up to the group's batch size.
func (s *Scheduler) nextBatch() []*domain.Job {
	for _, j := range s.exp.Jobs() {
		if !submittable(j) {
			continue
		}
		g := j.Group()
		size := g.Options().BatchSize
		batch := []*domain.Job{j}
		for _, k := range g.Jobs()[j.Index()+1:] {
			if len(batch) >= size {
				break
			}
			if submittable(k) {
				batch = append(batch, k)
			}
		}
		return batch
	}
	return nil
}

func (s *Scheduler) submit(ctx context.Context, batch []*domain.Job) error {
	g := batch[0].Group()
	idx := batch[0].Index()
	opts := batch[0].Options()
	u := queue.Unit{
		Name:    s.layout.UnitName(g.Name(), idx),
		Script:  s.layout.UnitScript(g.Name(), idx),
		Stdout:  s.layout.UnitStdout(g.Name(), idx),
		Stderr:  s.layout.UnitStderr(g.Name(), idx),
		Queue:   opts.Queue,
		MemLoGB: opts.MemLoGB,
		MemHiGB: opts.MemHiGB,
	}
	if err := script.WriteUnitScript(u.Script, u.Name, s.layout, batch); err != nil {
		return err
	}
	log.Debugf("Submitting %s", render.Render(u))

	// a unit may run and log its outcome before Submit returns, so its jobs
	// log submitted first
	for _, j := range batch {
		if err := protocol.AppendFile(s.layout.JobStderr(j),
			protocol.MakeStatsEvent(map[string]interface{}{"queue_unit_name": u.Name}),
			protocol.MakeStatusEvent(domain.Submitted)); err != nil {
			return err
		}
	}

	id, err := s.adopt(ctx, u)
	if err == nil && id == "" {
		id, err = s.client.Submit(ctx, u)
	}
	if err != nil {
		s.unsubmit(batch)
		return err
	}

	for _, j := range batch {
		if err := protocol.AppendFile(s.layout.JobStderr(j),
			protocol.MakeStatsEvent(map[string]interface{}{"queue_unit_id": id})); err != nil {
			return err
		}
		if err := j.SetStatus(domain.Submitted); err != nil {
			return err
		}
		s.unitOf[j] = id
	}
	s.units[id] = &unit{id: id, name: u.Name, group: g, jobs: batch}
	if _, ok := s.groupStarted[g]; !ok {
		s.groupStarted[g] = s.now()
	}
	s.dirty = true
	s.stat.Counter(stats.SchedSubmittedJobsCounter).Inc(int64(len(batch)))
	tags.LogTags{
		Experiment: s.layout.NameCode,
		Group:      g.Name(),
		UnitID:     id,
		UnitName:   u.Name,
	}.Entry().WithFields(log.Fields{"jobs": len(batch)}).Info("Submitted unit")
	return nil
}

// unsubmit logs the jobs of a batch the queue never took back to waiting.
func (s *Scheduler) unsubmit(batch []*domain.Job) {
	for _, j := range batch {
		if err := protocol.AppendFile(s.layout.JobStderr(j), protocol.MakeStatusEvent(domain.Waiting)); err != nil {
			s.jobEntry(j).WithFields(log.Fields{"err": err}).Error("Failed to log job back to waiting")
		}
	}
}

// adopt finds the unit of a resumed run that reached the queue while the
// previous process was inside Submit, before its jobs' logs recorded the id.
func (s *Scheduler) adopt(ctx context.Context, u queue.Unit) (string, error) {
	if !s.resumed {
		return "", nil
	}
	ids, err := s.client.List(ctx, queue.Exact(u.Name), queue.Any)
	if err != nil || len(ids) != 1 {
		return "", err
	}
	log.WithFields(log.Fields{"unitName": u.Name, "unitID": ids[0]}).Info("Adopting unit of a previous run")
	return ids[0], nil
}

// restore loads the status of every job from its log and rebuilds the units
// of jobs that were in flight. A job logged submitted whose unit id was never
// logged is looked up by unit name, and stays waiting if no such unit exists.
func (s *Scheduler) restore(ctx context.Context) error {
	for _, j := range s.exp.Jobs() {
		l, err := protocol.ReadFile(s.layout.JobStderr(j))
		if err != nil {
			return err
		}
		status, ok := l.Status()
		if !ok || status == j.Status() {
			continue
		}
		name, _ := l.Stats()["queue_unit_name"].(string)
		var uid string
		if id, ok := l.Stats()["queue_unit_id"]; ok {
			uid = fmt.Sprint(id)
		} else if status.IsActive() && name != "" {
			ids, err := s.client.List(ctx, queue.Exact(name), queue.Any)
			if err != nil {
				return err
			}
			if len(ids) == 1 {
				uid = ids[0]
			}
		}
		if status == domain.Submitted && uid == "" {
			s.jobEntry(j).Info("Unit never reached the queue, job is waiting")
			continue
		}

		if err := j.SetStatus(status); err != nil {
			return err
		}
		if !status.IsActive() || uid == "" {
			continue
		}
		s.unitOf[j] = uid
		u, ok := s.units[uid]
		if !ok {
			u = &unit{id: uid, name: name, group: j.Group()}
			s.units[uid] = u
		}
		u.jobs = append(u.jobs, j)
		s.groupStarted[j.Group()] = s.now()
	}
	log.Infof("Restored %d jobs, %d units in flight, status %s", len(s.exp.Jobs()), len(s.units), s.exp.Status())
	return nil
}

func (s *Scheduler) groupsDone() {
	for _, g := range s.exp.Groups() {
		if s.groupDone[g] || !finished(g) {
			continue
		}
		s.groupDone[g] = true
		start, ok := s.groupStarted[g]
		if !ok {
			start = s.started
		}
		s.reporter.GroupDone(g, s.now().Sub(start))
	}
}

// finished is true once no job of g can change status. The aggregate of a
// finished group mixing success and canceled jobs is waiting.
func finished(g *domain.Group) bool {
	for _, j := range g.Jobs() {
		if !j.Status().IsTerminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) count(status domain.Status) int {
	n := 0
	for _, j := range s.exp.Jobs() {
		if j.Status() == status {
			n++
		}
	}
	return n
}

func (s *Scheduler) updateStats(visible int) {
	waiting := s.count(domain.Waiting)
	s.stat.Gauge(stats.SchedInFlightUnitsGauge).Update(int64(visible))
	s.stat.Gauge(stats.SchedWaitingJobsGauge).Update(int64(waiting))

	progress := fmt.Sprintf("Running %d units, waiting %d units.", visible, waiting)
	if progress != s.progress {
		s.progress = progress
		log.Info(progress)
	}
}

func (s *Scheduler) maybeReport() {
	if !s.dirty || s.now().Sub(s.lastReport) < s.config.ReportInterval {
		return
	}
	if err := s.reporter.Snapshot(s.exp, false); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Failed to write snapshot")
		return
	}
	s.dirty = false
	s.lastReport = s.now()
}

func (s *Scheduler) entry() *log.Entry {
	return tags.LogTags{Experiment: s.layout.NameCode}.Entry()
}

func (s *Scheduler) jobEntry(j *domain.Job) *log.Entry {
	return tags.LogTags{
		Experiment: s.layout.NameCode,
		Group:      j.Group().Name(),
		Job:        j.QualifiedName(),
		UnitID:     s.unitOf[j],
	}.Entry()
}
