package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fleetrun/internal/eventbus"
	"fleetrun/internal/model"
	"fleetrun/internal/notifier/channel"
	logx "fleetrun/pkg/logx"

	rtsup "fleetrun/internal/runtime/supervisor"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service implements the async notification pipeline:
// policy evaluation + queue + worker pool + rate limit.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	store    DeliveryStore
	registry *channel.Registry
	deps     channel.Deps

	cfg     Config
	limiter *rate.Limiter
	engine  *Engine

	policies atomic.Pointer[[]model.NotificationPolicy]
	channels atomic.Pointer[map[string]channel.Channel]

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Delivery
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	// In-memory history (for diagnostics)
	hmu     sync.Mutex
	history []model.DeliveryRecord
}

type Option func(*Service)

// WithStore records every delivery attempt in st.
func WithStore(st DeliveryStore) Option { return func(s *Service) { s.store = st } }

// WithHTTPClient sets the client shared by HTTP-based channels.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.deps.HTTP = c } }

func New(cfg Config, registry *channel.Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if registry == nil {
		registry = channel.Builtins()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		registry: registry,
		engine:   NewEngine(),
	}
	for _, o := range opts {
		o(s)
	}
	s.deps.Log = log
	s.applyLocked(cfg)
	empty := []model.NotificationPolicy{}
	s.policies.Store(&empty)
	noChannels := map[string]channel.Channel{}
	s.channels.Store(&noChannels)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetCatalog swaps in new policies and rebuilds channels. Channels that fail
// to build are left out (deliveries to them fail) and reported in the
// returned error.
func (s *Service) SetCatalog(policies []model.NotificationPolicy, channels []model.Channel) error {
	built := make(map[string]channel.Channel, len(channels))
	var errs []error
	for _, c := range channels {
		ch, err := s.registry.Build(c, s.deps)
		if err != nil {
			errs = append(errs, err)
			s.log.Warn("channel unavailable", logx.String("channel", c.ID), logx.String("kind", c.Kind), logx.Err(err))
			continue
		}
		built[c.ID] = ch
	}
	ps := append([]model.NotificationPolicy(nil), policies...)
	s.policies.Store(&ps)
	s.channels.Store(&built)
	s.log.Debug("notification catalog applied", logx.Int("policies", len(ps)), logx.Int("channels", len(built)))
	return errors.Join(errs...)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("service started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain it.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("service stopped")
	case <-ctx.Done():
		// Workers still draining; cancel in-flight sends.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("stop timed out; pending notifications dropped", logx.Int("queue_len", len(q)))
	}
}

// RunFinished evaluates the policies against run and queues the resulting
// deliveries. It never blocks; a full queue drops deliveries.
func (s *Service) RunFinished(run model.JobRun) {
	if !s.Enabled() {
		return
	}
	deliveries := s.engine.Evaluate(run, *s.policies.Load())
	reported := map[string]bool{}
	for _, d := range deliveries {
		if d.RenderErr != nil && !reported[d.PolicyID] {
			reported[d.PolicyID] = true
			s.log.Warn("notification template failed; sending degraded message",
				logx.String("policy", d.PolicyID), logx.String("run_id", d.RunID), logx.Err(d.RenderErr))
		}
		if err := s.enqueue(d); err != nil {
			s.dropped.Add(1)
			s.record(d, model.DeliveryDropped, err)
			s.publish(EventDropped, d, err)
			s.log.Warn("notification dropped", logx.String("policy", d.PolicyID), logx.String("channel", d.ChannelID), logx.Err(err))
		}
	}
}

func (s *Service) enqueue(d Delivery) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send delivers msg to one channel synchronously, outside the queue and
// without recording history. Used for operator alerts.
func (s *Service) Send(ctx context.Context, channelID string, msg channel.Message) error {
	ch := (*s.channels.Load())[channelID]
	if ch == nil {
		return &model.ChannelDeliveryError{ChannelID: channelID, Err: model.ErrUnknownChannel}
	}
	if err := ch.Send(ctx, msg); err != nil {
		return &model.ChannelDeliveryError{ChannelID: channelID, Err: err}
	}
	return nil
}

// AlertSender routes log alerts to channelID. The channel is looked up on each
// send, so catalog reloads apply.
func (s *Service) AlertSender(channelID string) logx.AlertSender {
	return alertSender{s: s, channelID: channelID}
}

type alertSender struct {
	s         *Service
	channelID string
}

func (a alertSender) SendAlert(ctx context.Context, text string) error {
	return a.s.Send(ctx, a.channelID, channel.Message{Text: text, Severity: model.SeverityError})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, d)
		}
	}
}

// deliver makes exactly one attempt. Failures are logged and recorded, never retried.
// Counters move after the record is written.
func (s *Service) deliver(ctx context.Context, d Delivery) {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := s.Send(callCtx, d.ChannelID, channel.Message{Text: d.Message, Severity: d.Severity, RunID: d.RunID, PolicyID: d.PolicyID})
	cancel()

	if err != nil {
		s.record(d, model.DeliveryFailed, err)
		s.publish(EventFailed, d, err)
		s.failed.Add(1)
		s.log.Warn("notification delivery failed", logx.String("policy", d.PolicyID), logx.String("channel", d.ChannelID), logx.String("run_id", d.RunID), logx.Err(err))
		return
	}
	s.record(d, model.DeliverySent, nil)
	s.publish(EventSent, d, nil)
	s.sent.Add(1)
	s.log.Debug("notification sent", logx.String("policy", d.PolicyID), logx.String("channel", d.ChannelID), logx.String("run_id", d.RunID))
}

func (s *Service) record(d Delivery, st model.DeliveryStatus, err error) {
	rec := model.DeliveryRecord{
		At:        time.Now().UTC(),
		RunID:     d.RunID,
		PolicyID:  d.PolicyID,
		ChannelID: d.ChannelID,
		Severity:  d.Severity,
		Status:    st,
		Message:   d.Message,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendDelivery(ctx, rec); err != nil {
		s.log.Debug("persist delivery failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, d Delivery, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := DeliveryEvent{RunID: d.RunID, PolicyID: d.PolicyID, ChannelID: d.ChannelID, Severity: d.Severity, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.queue != nil
	ql, qc := 0, 0
	if s.queue != nil {
		ql, qc = len(s.queue), cap(s.queue)
	}
	s.mu.Unlock()

	chans := *s.channels.Load()
	ids := make([]string, 0, len(chans))
	for id := range chans {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.hmu.Lock()
	hist := append([]model.DeliveryRecord(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:   cfg.Enabled,
		Running:   running,
		Workers:   cfg.Workers,
		QueueLen:  ql,
		QueueCap:  qc,
		Policies:  len(*s.policies.Load()),
		Channels:  ids,
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		RateState: s.engine.limits.size(),
		History:   hist,
	}
}
