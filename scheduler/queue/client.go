package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/twitter/vosges/common/stats"
)

// ClientConfig configures a Client. The zero value retries forever every
// DefaultRetryInterval and does not rate limit.
type ClientConfig struct {
	Retry RetryPolicy

	// QPS limits calls to the backend, 0 disables the limit.
	QPS   float64
	Burst int

	Stat stats.StatsReceiver
}

// Client wraps a Service. Transient failures are retried according to the
// RetryPolicy and never surface unless the policy gives up or the context is
// canceled. Any other error is returned at once.
type Client struct {
	svc     Service
	retry   RetryPolicy
	limiter *rate.Limiter
	stat    stats.StatsReceiver
}

func NewClient(svc Service, cfg ClientConfig) *Client {
	c := &Client{
		svc:   svc,
		retry: cfg.Retry,
		stat:  cfg.Stat,
	}
	if c.stat == nil {
		c.stat = stats.NilStatsReceiver()
	}
	c.stat = c.stat.Scope("queue")
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return c
}

// Submit enqueues unit. When an attempt fails, the next attempt first lists
// units carrying exactly the unit's name: if one exists the earlier attempt
// reached the queue and its id is adopted instead of submitting again.
func (c *Client) Submit(ctx context.Context, unit Unit) (string, error) {
	defer c.stat.Latency(stats.QueueSubmitLatency_ms).Time().Stop()

	var id string
	try := 0
	op := func() error {
		try++
		if try > 1 {
			ids, err := c.list(ctx, Exact(unit.Name), Any)
			if err != nil {
				return c.classify(err)
			}
			switch len(ids) {
			case 0:
			case 1:
				log.WithFields(
					log.Fields{
						"unitName": unit.Name,
						"unitID":   ids[0],
						"try":      try,
					}).Info("Adopting unit submitted by an earlier attempt")
				c.stat.Counter(stats.QueueSubmitAdoptedCounter).Inc(1)
				id = ids[0]
				return nil
			default:
				return backoff.Permanent(NewSubmissionError(unit.Name, "%d units already carry this name: %v", len(ids), ids))
			}
		}

		if err := c.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c.stat.Counter(stats.QueueSubmitCounter).Inc(1)
		got, err := c.svc.Submit(ctx, unit)
		if err != nil {
			return c.classify(err)
		}
		id = got
		return nil
	}

	if err := backoff.RetryNotify(op, c.retry.NewBackOff(ctx), c.notify("submit", unit.Name)); err != nil {
		if IsSubmissionError(err) {
			c.stat.Counter(stats.QueueSubmitRejectedCounter).Inc(1)
		}
		return "", c.finalError(ctx, err)
	}
	c.stat.Counter(stats.QueueSubmitOkCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"unitName": unit.Name,
			"unitID":   id,
		}).Debug("Submitted unit")
	return id, nil
}

// List returns the ids of visible units selected by namePrefix, sorted. Pass
// Exact(name) to select a single unit name.
func (c *Client) List(ctx context.Context, namePrefix string, state State) ([]string, error) {
	defer c.stat.Latency(stats.QueueListLatency_ms).Time().Stop()

	var ids []string
	op := func() error {
		var err error
		ids, err = c.list(ctx, namePrefix, state)
		if err != nil {
			return c.classify(err)
		}
		return nil
	}
	if err := backoff.RetryNotify(op, c.retry.NewBackOff(ctx), c.notify("list", namePrefix)); err != nil {
		return nil, c.finalError(ctx, err)
	}
	SortIDs(ids)
	return ids, nil
}

// Delete removes the given units. Deleting nothing is a no-op.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	op := func() error {
		if err := c.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c.stat.Counter(stats.QueueDeleteCounter).Inc(1)
		if err := c.svc.Delete(ctx, ids); err != nil {
			return c.classify(err)
		}
		return nil
	}
	if err := backoff.RetryNotify(op, c.retry.NewBackOff(ctx), c.notify("delete", "")); err != nil {
		return c.finalError(ctx, err)
	}
	return nil
}

// DeleteAll deletes every unit under namePrefix and waits, polling every
// interval, until none is visible anymore.
func (c *Client) DeleteAll(ctx context.Context, namePrefix string, interval time.Duration) error {
	deleted := false
	for {
		ids, err := c.List(ctx, namePrefix, Any)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if !deleted {
			log.Infof("Deleting %d units with prefix %s", len(ids), namePrefix)
			if err := c.Delete(ctx, ids); err != nil {
				return err
			}
			deleted = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) list(ctx context.Context, namePrefix string, state State) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.stat.Counter(stats.QueueListCounter).Inc(1)
	return c.svc.List(ctx, namePrefix, state)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// classify keeps transient errors retryable and makes everything else permanent.
func (c *Client) classify(err error) error {
	if IsTransientError(err) {
		c.stat.Counter(stats.QueueTransientErrorCounter).Inc(1)
		return err
	}
	return backoff.Permanent(err)
}

func (c *Client) notify(op string, target string) backoff.Notify {
	return func(err error, next time.Duration) {
		log.WithFields(
			log.Fields{
				"op":     op,
				"target": target,
				"err":    err,
				"next":   next,
			}).Warn("Transient queue failure, retrying")
	}
}

func (c *Client) finalError(ctx context.Context, err error) error {
	if ctx.Err() != nil && IsTransientError(err) {
		return errors.Wrap(ctx.Err(), err.Error())
	}
	return err
}
