package couchsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/autom8ter/couchsync/checkpoint"
	"github.com/autom8ter/couchsync/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/tevino/abool"
	"github.com/tidwall/gjson"
)

// Change is one entry of the change feed
type Change struct {
	Seq     string
	ID      string
	Revs    []string
	Deleted bool
	// Doc is the document at its new revision. It is nil when the change was requested without documents.
	Doc *Document
}

// IsDeletion returns true if the change removes the document
func (c Change) IsDeletion() bool {
	return c.Deleted || (c.Doc != nil && c.Doc.GetBool("_deleted"))
}

// Changes is one long-poll response
type Changes struct {
	Results []Change
	LastSeq string
}

// ChangeListener handles a batch of changes. Listeners run on the subscription's goroutine.
type ChangeListener func(ctx context.Context, changes *Changes)

// ChangesOptions configures a change feed subscription
type ChangesOptions struct {
	// Since is the starting cursor. If empty, the checkpoint or the database's current update_seq is used.
	Since string
	// Heartbeat overrides the configured heartbeat
	Heartbeat time.Duration
	// Checkpoint persists the cursor after every response
	Checkpoint checkpoint.Store
	// CheckpointKey is the key the cursor is stored under. It defaults to the database name.
	CheckpointKey string
	// Params are extra feed parameters, ex: filter
	Params map[string]any
	// Listeners are registered before the first poll is issued
	Listeners []ChangeListener
}

// Subscription is a long-poll change feed consumer. At most one request is outstanding at a time.
type Subscription struct {
	client    *Client
	opts      ChangesOptions
	mu        sync.RWMutex
	listeners []ChangeListener
	since     string
	active    *abool.AtomicBool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	polls    *metrics.Counter
	failures *metrics.Counter
	received *metrics.Counter
}

// Changes starts consuming the change feed in a new goroutine. The feed runs until Stop is called or ctx is cancelled.
func (c *Client) Changes(ctx context.Context, opts ChangesOptions) *Subscription {
	if opts.Heartbeat == 0 {
		opts.Heartbeat = c.cfg.Heartbeat
	}
	if opts.CheckpointKey == "" {
		opts.CheckpointKey = c.cfg.DB
	}
	s := &Subscription{
		client:    c,
		opts:      opts,
		listeners: append([]ChangeListener{}, opts.Listeners...),
		since:     opts.Since,
		active:    abool.NewBool(true),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		polls:     metrics.GetOrCreateCounter(fmt.Sprintf(`couchsync_changes_polls_total{db=%q}`, c.cfg.DB)),
		failures:  metrics.GetOrCreateCounter(fmt.Sprintf(`couchsync_changes_failures_total{db=%q}`, c.cfg.DB)),
		received:  metrics.GetOrCreateCounter(fmt.Sprintf(`couchsync_changes_received_total{db=%q}`, c.cfg.DB)),
	}
	go s.run(ctx)
	return s
}

// OnChange registers a listener. Listeners are called in registration order.
func (s *Subscription) OnChange(listener ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Stop prevents any further poll. A response to the in-flight request is dropped.
func (s *Subscription) Stop() {
	s.active.UnSet()
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Done is closed once the feed goroutine exits
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Since returns the current cursor
func (s *Subscription) Since() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

func (s *Subscription) setSince(seq string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = seq
}

func (s *Subscription) running(ctx context.Context) bool {
	return s.active.IsSet() && ctx.Err() == nil
}

// backoff doubles the delay after each consecutive failure, starting at base and capped at max
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, limit time.Duration) *backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return &backoff{base: base, max: limit, current: base}
}

// next returns the delay to wait before the next attempt
func (b *backoff) next() time.Duration {
	delay := b.current
	b.current *= 2
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
	return delay
}

func (b *backoff) reset() {
	b.current = b.base
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	var (
		logger  = s.client.logger.WithTags(map[string]any{"db": s.client.cfg.DB})
		retry   = newBackoff(s.client.cfg.BackoffBase, s.client.cfg.MaxBackoff)
	)
	wait := func() bool {
		timer := time.NewTimer(retry.next())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-s.stop:
			return false
		case <-timer.C:
		}
		return true
	}
	if s.Since() == "" {
		if cursor, ok := s.checkpoint(ctx, logger); ok {
			s.setSince(cursor)
		}
	}
	for s.Since() == "" {
		if !s.running(ctx) {
			return
		}
		seq, err := s.updateSeq(ctx)
		if err != nil {
			s.failures.Inc()
			logger.Warn(ctx, "failed to fetch update_seq", map[string]any{
				"error":   err.Error(),
				"backoff": retry.current.String(),
			})
			if !wait() {
				return
			}
			continue
		}
		s.setSince(seq)
	}
	retry.reset()
	for s.running(ctx) {
		s.polls.Inc()
		changes, err := s.poll(ctx)
		if !s.running(ctx) {
			return
		}
		if err != nil {
			s.failures.Inc()
			logger.Warn(ctx, "change feed request failed", map[string]any{
				"error":   err.Error(),
				"since":   s.Since(),
				"backoff": retry.current.String(),
			})
			if !wait() {
				return
			}
			continue
		}
		retry.reset()
		s.setSince(changes.LastSeq)
		if s.opts.Checkpoint != nil {
			if err := s.opts.Checkpoint.Set(ctx, s.opts.CheckpointKey, changes.LastSeq); err != nil {
				logger.Error(ctx, "failed to save checkpoint", err, map[string]any{"since": changes.LastSeq})
			}
		}
		s.received.Add(len(changes.Results))
		s.dispatch(ctx, changes)
	}
}

func (s *Subscription) checkpoint(ctx context.Context, logger Logger) (string, bool) {
	if s.opts.Checkpoint == nil {
		return "", false
	}
	cursor, ok, err := s.opts.Checkpoint.Get(ctx, s.opts.CheckpointKey)
	if err != nil {
		logger.Error(ctx, "failed to load checkpoint", err, map[string]any{})
		return "", false
	}
	return cursor, ok && cursor != ""
}

func (s *Subscription) dispatch(ctx context.Context, changes *Changes) {
	s.mu.RLock()
	listeners := append([]ChangeListener{}, s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, changes)
	}
}

func (s *Subscription) updateSeq(ctx context.Context) (string, error) {
	info, err := s.client.Info(ctx)
	if err != nil {
		return "", err
	}
	seq := info.Result("update_seq")
	if !seq.Exists() {
		return "", errors.New(errors.Malformed, "database info is missing update_seq")
	}
	return seqString(seq), nil
}

func (s *Subscription) poll(ctx context.Context) (*Changes, error) {
	params := map[string]any{}
	for k, v := range s.opts.Params {
		params[k] = v
	}
	query := EncodeParams(params)
	query.Set("feed", "longpoll")
	query.Set("since", s.Since())
	query.Set("include_docs", "true")
	query.Set("heartbeat", cast.ToString(s.opts.Heartbeat.Milliseconds()))
	return s.client.changes(ctx, query)
}

func (c *Client) changes(ctx context.Context, query url.Values) (*Changes, error) {
	resp, err := c.Do(ctx, http.MethodGet, "_changes", query, nil)
	if err != nil {
		return nil, err
	}
	lastSeq := resp.Result("last_seq")
	if !lastSeq.Exists() {
		return nil, errors.New(errors.Malformed, "changes response is missing last_seq")
	}
	changes := &Changes{LastSeq: seqString(lastSeq)}
	for _, r := range resp.Result("results").Array() {
		change := Change{
			Seq:     seqString(r.Get("seq")),
			ID:      r.Get("id").String(),
			Deleted: r.Get("deleted").Bool(),
			Revs: lo.Map(r.Get("changes").Array(), func(rev gjson.Result, _ int) string {
				return rev.Get("rev").String()
			}),
		}
		if doc, ok := documentFromResult(r.Get("doc")); ok {
			change.Doc = doc
		}
		changes.Results = append(changes.Results, change)
	}
	return changes, nil
}

// seqString keeps sequence markers opaque: numbers are rendered as is and strings are unquoted
func seqString(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Raw
}
