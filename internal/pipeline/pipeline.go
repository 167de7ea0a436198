// Package pipeline validates, enriches, persists and fans out messages
// between the two participants.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/real-rm/golog"

	"github.com/real-rm/notifier/internal/constants"
	apperrors "github.com/real-rm/notifier/internal/errors"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/llm"
	"github.com/real-rm/notifier/internal/message"
	"github.com/real-rm/notifier/internal/metrics"
	"github.com/real-rm/notifier/internal/notification"
	"github.com/real-rm/notifier/internal/ratelimit"
	"github.com/real-rm/notifier/internal/registry"
	"github.com/real-rm/notifier/internal/storage"
	"github.com/real-rm/notifier/internal/util"
)

// ErrShuttingDown is returned by Submit after Shutdown has started
var ErrShuttingDown = errors.New("pipeline is shutting down")

// MessageStore is the persistence side of the pipeline.
type MessageStore interface {
	InsertMessage(ctx context.Context, m storage.NewMessage) (*message.Message, error)
	FindConversation(ctx context.Context, a, b identity.User, limit int) ([]*message.Message, error)
}

// Enricher produces the elaboration note of a predefined phrase. It never fails.
type Enricher interface {
	Enrich(ctx context.Context, phrase string, sender identity.User) llm.Result
}

// Deliverer sends a system notification to a participant's devices.
type Deliverer interface {
	SendToUser(ctx context.Context, user identity.User, payload *message.PushPayload) (notification.Report, error)
}

// Options tune the pipeline.
type Options struct {
	HistoryLimit   int
	RateLimit      int
	RateWindow     time.Duration
	SkipWhenOnline bool
	// DeliveryTimeout bounds one background delivery.
	DeliveryTimeout time.Duration
}

// SubmitRequest is an unvalidated send request as it arrives on the wire.
type SubmitRequest struct {
	Sender    string
	Recipient string
	Kind      string
	Payload   string
}

// Pipeline is the message pipeline. Deliveries run in the background and are
// tracked so Shutdown can wait for them.
type Pipeline struct {
	store     MessageStore
	enricher  Enricher
	deliverer Deliverer
	registry  *registry.Registry
	limiter   *ratelimit.MessageLimiter
	opts      Options
	logger    *golog.Logger

	ctx    context.Context    // Lifecycle context, cancelled when Shutdown gives up waiting
	cancel context.CancelFunc

	// mu orders wg.Add against Shutdown's Wait. wg counts running Submit
	// calls and background deliveries.
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// New creates a pipeline. deliverer may be nil, in which case no push is attempted.
func New(store MessageStore, enricher Enricher, deliverer Deliverer, reg *registry.Registry, opts Options, logger *golog.Logger) *Pipeline {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = constants.DefaultHistoryLimit
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = constants.DefaultMessageRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = constants.DefaultRateWindow
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = constants.DeliveryBatchTimeout
	}

	pipelineLogger := logger.WithGroup("pipeline")
	limiter := ratelimit.NewMessageLimiter(opts.RateWindow, opts.RateLimit).WithLogger(pipelineLogger)
	limiter.StartCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:     store,
		enricher:  enricher,
		deliverer: deliverer,
		registry:  reg,
		limiter:   limiter,
		opts:      opts,
		logger:    pipelineLogger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// validated is a SubmitRequest that passed every check.
type validated struct {
	sender    identity.User
	recipient identity.User
	kind      identity.Kind
	payload   string
}

func validate(req SubmitRequest) (*validated, error) {
	sender, err := identity.ParseUser(req.Sender)
	if err != nil {
		return nil, apperrors.ErrInvalidParticipant("sender", err)
	}
	recipient, err := identity.ParseUser(req.Recipient)
	if err != nil {
		return nil, apperrors.ErrInvalidParticipant("recipient", err)
	}
	if sender == recipient {
		return nil, apperrors.ErrSelfMessage()
	}
	kind, err := identity.ParseKind(req.Kind)
	if err != nil {
		return nil, apperrors.ErrUnknownKind(err)
	}
	if strings.TrimSpace(req.Payload) == "" {
		return nil, apperrors.ErrEmptyPayload()
	}
	return &validated{sender: sender, recipient: recipient, kind: kind, payload: req.Payload}, nil
}

// Submit validates req, enriches a predefined phrase, persists the message and
// starts background push delivery to the recipient. The returned message is
// canonical; callers broadcast it verbatim. Once persistence succeeds the
// message is durable whatever happens to ctx afterwards.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*message.Message, error) {
	if !p.track() {
		return nil, apperrors.ErrPersistenceFailure(ErrShuttingDown)
	}
	defer p.wg.Done()

	v, err := validate(req)
	if err != nil {
		metrics.MessageErrors.Inc()
		return nil, err
	}

	if !p.limiter.Allow(v.sender.String()) {
		retryAfter := p.limiter.GetRetryAfter(v.sender.String())
		p.logger.Warn("Send rate limit exceeded",
			"sender", v.sender.String(),
			"retry_after_ms", retryAfter)
		return nil, apperrors.ErrTooManyRequests(retryAfter)
	}

	if util.TraceIDFromContext(ctx) == "" {
		ctx = util.NewContextWithTraceID(ctx)
	}
	// Enrichment and persistence are not cancelled by the caller going away.
	work := context.WithoutCancel(ctx)

	record := storage.NewMessage{
		Sender:    v.sender,
		Recipient: v.recipient,
		Kind:      v.kind,
	}
	noteIsFallback := false

	switch v.kind {
	case identity.KindPredefined:
		result := p.enrich(work, v.payload, v.sender)
		record.OriginalText = v.payload
		record.EnrichmentNote = result.Note
		noteIsFallback = result.Fallback
	case identity.KindCustom:
		record.CustomText = v.payload
	}

	storeCtx, cancel := context.WithTimeout(work, constants.SubmitPersistTimeout)
	defer cancel()

	m, err := p.store.InsertMessage(storeCtx, record)
	if err != nil {
		metrics.MessageErrors.Inc()
		util.LogError(p.logger, "pipeline", "persist message", err,
			"sender", v.sender.String(),
			"recipient", v.recipient.String(),
			"kind", string(v.kind),
			"trace_id", util.TraceIDFromContext(ctx))
		return nil, apperrors.ErrPersistenceFailure(err)
	}

	p.logger.Info("Message persisted",
		"id", m.ID,
		"sender", m.Sender,
		"recipient", m.Recipient,
		"kind", string(m.Kind),
		"trace_id", util.TraceIDFromContext(ctx))

	p.deliver(v.recipient, message.NewPushPayload(m, noteIsFallback), util.TraceIDFromContext(ctx))
	return m, nil
}

func (p *Pipeline) enrich(ctx context.Context, phrase string, sender identity.User) llm.Result {
	if p.enricher == nil {
		return llm.Result{
			Note:     llm.FallbackNote(sender, llm.ReasonDisabled),
			Fallback: true,
			Reason:   llm.ReasonDisabled,
		}
	}
	return p.enricher.Enrich(ctx, phrase, sender)
}

// deliver starts the push to recipient in the background. Its errors end here.
func (p *Pipeline) deliver(recipient identity.User, payload *message.PushPayload, traceID string) {
	if p.deliverer == nil {
		return
	}
	if p.opts.SkipWhenOnline && p.registry != nil && p.registry.Count(recipient) > 0 {
		p.logger.Debug("Recipient online, push skipped", "recipient", recipient.String())
		return
	}

	p.safeGo("push-delivery", func() {
		ctx, cancel := context.WithTimeout(util.ContextWithTraceID(p.ctx, traceID), p.opts.DeliveryTimeout)
		defer cancel()

		report, err := p.deliverer.SendToUser(ctx, recipient, payload)
		if err != nil {
			util.LogError(p.logger, "pipeline", "deliver push notification", err,
				"recipient", recipient.String(),
				"trace_id", traceID)
			return
		}
		p.logger.Debug("Push delivery finished",
			"recipient", recipient.String(),
			"attempted", report.Attempted,
			"delivered", report.Delivered,
			"skipped", report.Skipped,
			"trace_id", traceID)
	})
}

// track registers one unit of work with the shutdown WaitGroup. It returns
// false once Shutdown has started.
func (p *Pipeline) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	p.wg.Add(1)
	return true
}

// safeGo runs fn in a tracked, panic-safe goroutine. It is only called from
// within a tracked Submit, so the counter is never zero here.
func (p *Pipeline) safeGo(component string, fn func()) {
	p.wg.Add(1)
	util.SafeGo(p.logger, component, func() {
		defer p.wg.Done()
		fn()
	})
}

// Broadcast echoes m to every connection of its sender and sends it to every
// live connection of its recipient.
func (p *Pipeline) Broadcast(m *message.Message) error {
	if p.registry == nil {
		return nil
	}

	data, err := util.MarshalJSON(message.NewMessageFrame(m))
	if err != nil {
		return err
	}

	sender, err := identity.ParseUser(m.Sender)
	if err != nil {
		return err
	}
	recipient, err := identity.ParseUser(m.Recipient)
	if err != nil {
		return err
	}

	echoed, _ := p.registry.Broadcast(sender, data)
	delivered, _ := p.registry.Broadcast(recipient, data)
	p.logger.Debug("Message broadcast",
		"id", m.ID,
		"sender_connections", echoed,
		"recipient_connections", delivered)
	return nil
}

// History returns the most recent messages between user1 and user2 in either
// direction, oldest first. The result is never nil.
func (p *Pipeline) History(ctx context.Context, user1, user2 string) ([]*message.Message, error) {
	a, err := identity.ParseUser(user1)
	if err != nil {
		return nil, apperrors.ErrInvalidParticipant("user1", err)
	}
	b, err := identity.ParseUser(user2)
	if err != nil {
		return nil, apperrors.ErrInvalidParticipant("user2", err)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.HistoryQueryTimeout)
	defer cancel()

	msgs, err := p.store.FindConversation(ctx, a, b, p.opts.HistoryLimit)
	if err != nil {
		util.LogError(p.logger, "pipeline", "fetch history", err,
			"user1", a.String(),
			"user2", b.String())
		return nil, apperrors.ErrHistoryUnavailable(err)
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	return msgs, nil
}

// Shutdown stops accepting submissions and waits for submissions in progress
// and their deliveries. When ctx expires first the remaining deliveries are
// cancelled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.logger.Info("Shutting down message pipeline")
	p.limiter.StopCleanup()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Shutdown deadline exceeded, cancelling in-flight deliveries")
		return ctx.Err()
	}
}
