// Package presence implements the synchronization protocol around the single
// StatusRecord: mutation, heartbeat, and the staleness-aware read.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/metrics"
	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/storage"
)

const (
	DefaultStaleAfter   = 2 * time.Minute
	DefaultStoreTimeout = 2 * time.Second
	DefaultKeyPrefix    = "yabosen"

	// DefaultSource tags heartbeats that do not name their origin.
	DefaultSource = "pc"
	// AutoSleepMessage is the custom message set by the auto-sleep producer.
	AutoSleepMessage = "Auto-sleep enabled"
)

// KnownSources are the heartbeat tags reported by Heartbeats.
var KnownSources = []string{"pc", "mobile"}

var sourcePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Keys derives every store key from one prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Status() string { return k.Prefix + ":status" }

func (k Keys) Heartbeat(source string) string { return k.Prefix + ":heartbeat:" + source }

// Idle holds the ms timestamp since which source has reported no user input.
func (k Keys) Idle(source string) string { return k.Prefix + ":idle:" + source }

func (k Keys) Avatar() string { return k.Prefix + ":avatar" }

// Options configures a Service. Zero values fall back to the defaults.
type Options struct {
	KeyPrefix    string
	StaleAfter   time.Duration
	StoreTimeout time.Duration
	Activities   model.ActivitySet
	Metrics      *metrics.Metrics
	// Now is the server clock. Tests inject a fake one.
	Now func() time.Time
}

// Service owns the protocol. It holds no presence state of its own; every
// call goes to the injected store.
type Service struct {
	kv           storage.KV
	keys         Keys
	staleAfter   time.Duration
	storeTimeout time.Duration
	activities   model.ActivitySet
	metrics      *metrics.Metrics
	now          func() time.Time

	lastStamp atomic.Int64
}

// NewService wires a Service to a store.
func NewService(kv storage.KV, opts Options) *Service {
	s := &Service{
		kv:           kv,
		keys:         Keys{Prefix: opts.KeyPrefix},
		staleAfter:   opts.StaleAfter,
		storeTimeout: opts.StoreTimeout,
		activities:   opts.Activities,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if s.keys.Prefix == "" {
		s.keys.Prefix = DefaultKeyPrefix
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = DefaultStoreTimeout
	}
	if len(s.activities.Names()) == 0 {
		s.activities = model.DefaultActivitySet
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Keys exposes the key layout, e.g. for the avatar backend.
func (s *Service) Keys() Keys { return s.keys }

// Activities returns the declared activity set.
func (s *Service) Activities() model.ActivitySet { return s.activities }

// StaleAfter returns the staleness threshold in effect.
func (s *Service) StaleAfter() time.Duration { return s.staleAfter }

// Current answers a public read. It never fails: a missing record is created
// as offline, an unreachable store yields a synthesized offline record, and a
// stale active record is shown as offline without being rewritten.
func (s *Service) Current(ctx context.Context) model.StatusRecord {
	log := logging.C(ctx)
	now := s.now()

	rec, err := s.Stored(ctx)
	if errors.Is(err, ErrNotFound) {
		def := model.NewDefaultRecord(now)
		created, cerr := s.createDefault(ctx, def)
		switch {
		case cerr != nil:
			s.metrics.StoreError("set")
			log.Warn("persist default status failed", zap.Error(cerr))
			return def
		case created:
			return def
		}
		// A producer wrote the first record between our get and create.
		rec, err = s.Stored(ctx)
	}
	if err != nil {
		s.metrics.StoreError("get")
		log.Warn("status read failed, serving offline", zap.Error(err))
		return model.NewDefaultRecord(now)
	}

	view, stale := rec.StaleView(now, s.staleAfter)
	if stale {
		s.metrics.StaleView()
		log.Debug("stale status downgraded",
			zap.String("stored_status", string(rec.Status)),
			zap.Duration("age", now.Sub(rec.UpdatedTime())),
		)
	}
	return view
}

// Stored returns the record exactly as persisted, with no staleness rule.
func (s *Service) Stored(ctx context.Context) (model.StatusRecord, error) {
	_, rec, err := s.load(ctx)
	return rec, err
}

// load returns the stored document both raw and decoded. The decoded form is
// validated; the raw form keeps fields this version does not know about.
func (s *Service) load(ctx context.Context) (map[string]json.RawMessage, model.StatusRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	data, err := s.kv.Get(ctx, s.keys.Status())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.StatusRecord{}, ErrNotFound
		}
		return nil, model.StatusRecord{}, &StoreError{Op: "get", Err: err}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, model.StatusRecord{}, &StoreError{Op: "decode", Err: err}
	}
	var rec model.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, model.StatusRecord{}, &StoreError{Op: "decode", Err: err}
	}
	if _, ok := model.ParseStatus(string(rec.Status)); !ok {
		return nil, model.StatusRecord{}, &StoreError{Op: "decode", Err: fmt.Errorf("stored status %q is not valid", rec.Status)}
	}
	return doc, rec, nil
}

// Update validates req and replaces the stored record with it.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (model.StatusRecord, error) {
	rec, err := req.normalize(s.activities)
	if err != nil {
		return model.StatusRecord{}, err
	}
	rec.UpdatedAt = s.stamp()

	if err := s.save(ctx, rec); err != nil {
		s.metrics.StoreError("set")
		return model.StatusRecord{}, err
	}
	s.metrics.Mutation(string(rec.Status))
	logging.C(ctx).Info("status updated",
		zap.String("status", string(rec.Status)),
		zap.Bool("activity", rec.HasActivity()),
	)
	return rec, nil
}

// HeartbeatResult is returned by a successful heartbeat.
type HeartbeatResult struct {
	Source    string `json:"source"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NormalizeSource lower-cases a heartbeat tag and maps anything unusable to
// DefaultSource.
func NormalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if !sourcePattern.MatchString(source) {
		return DefaultSource
	}
	return source
}

// Heartbeat refreshes only updatedAt on the existing record. It cannot create
// a record: without a prior mutation it returns ErrNotFound. The source is
// recorded as active.
func (s *Service) Heartbeat(ctx context.Context, source string) (HeartbeatResult, error) {
	return s.HeartbeatIdle(ctx, source, 0)
}

// HeartbeatIdle is Heartbeat for a producer that also reports how long its
// user has been inactive. Only AutoSleep reads the idle report.
func (s *Service) HeartbeatIdle(ctx context.Context, source string, idle time.Duration) (HeartbeatResult, error) {
	log := logging.C(ctx)
	source = NormalizeSource(source)
	if idle < 0 {
		idle = 0
	}

	doc, _, err := s.load(ctx)
	if err != nil {
		if errors.Is(err, ErrStore) {
			s.metrics.StoreError("get")
		}
		return HeartbeatResult{}, err
	}
	ts := s.stamp()
	doc["updatedAt"] = json.RawMessage(strconv.FormatInt(ts, 10))
	if err := s.saveDoc(ctx, doc); err != nil {
		s.metrics.StoreError("set")
		return HeartbeatResult{}, err
	}

	if err := s.saveTimestamp(ctx, s.keys.Heartbeat(source), ts); err != nil {
		s.metrics.StoreError("set")
		log.Warn("persist heartbeat source failed", zap.String("source", source), zap.Error(err))
	}
	if err := s.saveTimestamp(ctx, s.keys.Idle(source), ts-idle.Milliseconds()); err != nil {
		s.metrics.StoreError("set")
		log.Warn("persist idle report failed", zap.String("source", source), zap.Error(err))
	}
	s.metrics.Heartbeat(source)
	log.Debug("heartbeat",
		zap.String("source", source),
		zap.Int64("updated_at", ts),
		zap.Duration("idle", idle),
	)
	return HeartbeatResult{Source: source, UpdatedAt: ts}, nil
}

// Heartbeats reports the last heartbeat per known source, nil when a source
// never sent one. These values are diagnostic; staleness ignores them.
func (s *Service) Heartbeats(ctx context.Context) (map[string]*int64, error) {
	out := make(map[string]*int64, len(KnownSources))
	for _, source := range KnownSources {
		ts, err := s.loadTimestamp(ctx, s.keys.Heartbeat(source))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				out[source] = nil
				continue
			}
			s.metrics.StoreError("get")
			return nil, &StoreError{Op: "get", Err: err}
		}
		out[source] = &ts
	}
	return out, nil
}

// AutoSleep switches an active record to sleeping once every producer still
// heartbeating reports at least idleFor of user inactivity. A record that has
// gone stale is never touched: its producer is gone and reads already show
// offline. It reports whether a change was written.
func (s *Service) AutoSleep(ctx context.Context, idleFor time.Duration) (bool, error) {
	rec, err := s.Stored(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !autoSleepable(rec.Status) {
		return false, nil
	}
	now := s.now()
	if now.Sub(rec.UpdatedTime()) >= s.staleAfter {
		return false, nil
	}
	idle, live, err := s.reportedIdle(ctx, now)
	if err != nil {
		return false, err
	}
	if !live || idle < idleFor {
		return false, nil
	}

	status := string(model.StatusSleeping)
	message := AutoSleepMessage
	if _, err := s.Update(ctx, UpdateRequest{Status: &status, CustomMessage: &message}); err != nil {
		return false, err
	}
	s.metrics.AutoSleep()
	logging.C(ctx).Info("auto-sleep applied",
		zap.String("previous_status", string(rec.Status)),
		zap.Duration("idle", idle),
	)
	return true, nil
}

// reportedIdle returns the shortest idle time among known sources whose last
// heartbeat is within the stale threshold. live is false when none are.
func (s *Service) reportedIdle(ctx context.Context, now time.Time) (idle time.Duration, live bool, err error) {
	for _, source := range KnownSources {
		beat, err := s.loadTimestamp(ctx, s.keys.Heartbeat(source))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.metrics.StoreError("get")
			return 0, false, &StoreError{Op: "get", Err: err}
		}
		if now.Sub(time.UnixMilli(beat)) >= s.staleAfter {
			continue
		}
		since, err := s.loadTimestamp(ctx, s.keys.Idle(source))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			since = beat
		case err != nil:
			s.metrics.StoreError("get")
			return 0, false, &StoreError{Op: "get", Err: err}
		}
		d := now.Sub(time.UnixMilli(since))
		if !live || d < idle {
			idle = d
		}
		live = true
	}
	return idle, live, nil
}

// autoSleepable lists the statuses a producer sets while actively present.
func autoSleepable(st model.Status) bool {
	switch st {
	case model.StatusOnline, model.StatusIdle, model.StatusDND:
		return true
	}
	return false
}

// Ping checks the store when the backend supports it.
func (s *Service) Ping(ctx context.Context) error {
	p, ok := s.kv.(storage.Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return p.Ping(ctx)
}

// stamp returns the server time in ms, forced strictly above the previous
// stamp issued by this process.
func (s *Service) stamp() int64 {
	now := s.now().UnixMilli()
	for {
		last := s.lastStamp.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if s.lastStamp.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *Service) save(ctx context.Context, rec model.StatusRecord) error {
	return s.saveDoc(ctx, rec)
}

func (s *Service) saveDoc(ctx context.Context, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &StoreError{Op: "encode", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, s.keys.Status(), data); err != nil {
		return &StoreError{Op: "set", Err: err}
	}
	return nil
}

// createDefault writes rec only if no record exists yet, on backends that
// support it. Others fall back to a plain set.
func (s *Service) createDefault(ctx context.Context, rec model.StatusRecord) (bool, error) {
	creator, ok := s.kv.(storage.Creator)
	if !ok {
		return true, s.save(ctx, rec)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, &StoreError{Op: "encode", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	created, err := creator.SetIfAbsent(ctx, s.keys.Status(), data)
	if err != nil {
		return false, &StoreError{Op: "create", Err: err}
	}
	return created, nil
}

func (s *Service) saveTimestamp(ctx context.Context, key string, ts int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.kv.Set(ctx, key, []byte(strconv.FormatInt(ts, 10)))
}

func (s *Service) loadTimestamp(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return ts, nil
}
