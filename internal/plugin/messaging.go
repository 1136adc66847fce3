package plugin

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/logging"
)

// ClientOptions configures one messaging client.
type ClientOptions struct {
	Servers        []string
	Name           string
	SubjectPrefix  string
	RequestTimeout time.Duration
	Retry          RetryPolicy
	MaxInflight    int
	Overflow       OverflowPolicy
	DefaultHeaders map[string]string
}

// DefaultClientOptions returns the protocol defaults: 500ms request
// timeout, 1024 inflight, queueing overflow.
func DefaultClientOptions(servers []string) ClientOptions {
	return ClientOptions{
		Servers:        servers,
		RequestTimeout: 500 * time.Millisecond,
		Retry:          DefaultRetryPolicy(),
		MaxInflight:    1024,
		Overflow:       OverflowQueue,
	}
}

// Client is a request/reply messaging client with timeout, retry and
// inflight concurrency control.
type Client struct {
	conn           *nats.Conn
	requestTimeout time.Duration
	retry          RetryPolicy
	overflow       OverflowPolicy
	inflight       *semaphore.Weighted
	subjectPrefix  string
	defaultHeaders map[string]string
}

// Connect dials the configured servers (passed together as one server
// list), retrying transient failures with exponential backoff.
func Connect(opts ClientOptions) (*Client, error) {
	if len(opts.Servers) == 0 {
		return nil, msgErr(MsgErrConnect, "at least one messaging server must be provided", nil)
	}

	var conn *nats.Conn
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		c, err := nats.Connect(strings.Join(opts.Servers, ","), nats.Name(opts.Name))
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, bo)
	if err != nil {
		return nil, msgErr(MsgErrConnect, "connect to messaging servers", err)
	}

	var inflight *semaphore.Weighted
	if opts.MaxInflight > 0 {
		inflight = semaphore.NewWeighted(int64(opts.MaxInflight))
	}

	return &Client{
		conn:           conn,
		requestTimeout: opts.RequestTimeout,
		retry:          opts.Retry,
		overflow:       opts.Overflow,
		inflight:       inflight,
		subjectPrefix:  opts.SubjectPrefix,
		defaultHeaders: opts.DefaultHeaders,
	}, nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) expandSubject(subject string) string {
	if c.subjectPrefix == "" || strings.HasPrefix(subject, c.subjectPrefix) {
		return subject
	}
	return strings.TrimSuffix(c.subjectPrefix, ".") + "." + strings.TrimPrefix(subject, ".")
}

// mergeHeaders overlays per-call extras on the client defaults; extras
// win.
func (c *Client) mergeHeaders(extra map[string]string) nats.Header {
	if len(c.defaultHeaders) == 0 && len(extra) == 0 {
		return nil
	}
	h := nats.Header{}
	for k, v := range c.defaultHeaders {
		h.Set(k, v)
	}
	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}

// acquire takes an inflight permit per the overflow policy. The release
// func is non-nil on success.
func (c *Client) acquire(ctx context.Context) (func(), *MessagingError) {
	if c.inflight == nil {
		return func() {}, nil
	}
	switch c.overflow {
	case OverflowQueue:
		if err := c.inflight.Acquire(ctx, 1); err != nil {
			return nil, msgErr(MsgErrClosed, "inflight wait interrupted", err)
		}
	default: // Reject and Shed fail fast; Shed is semantically "dropped".
		if !c.inflight.TryAcquire(1) {
			return nil, &MessagingError{Kind: MsgErrOverflow, Message: c.overflow.String()}
		}
	}
	return func() { c.inflight.Release(1) }, nil
}

// Request sends a request and waits for the reply, applying the
// configured timeout, retry policy and inflight control. The timeout may
// be overridden per call (phase policies).
func (c *Client) Request(ctx context.Context, subject string, payload []byte, extraHeaders map[string]string, timeoutOverride time.Duration) ([]byte, *MessagingError) {
	subject = c.expandSubject(subject)

	release, merr := c.acquire(ctx)
	if merr != nil {
		return nil, merr
	}
	defer release()

	timeout := c.requestTimeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	attempt := 0
	for {
		attempt++
		start := time.Now()
		data, merr := c.requestOnce(ctx, subject, payload, extraHeaders, timeout)
		if merr == nil {
			logging.Debug("messaging request succeeded",
				zap.String("subject", subject),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)))
			return data, nil
		}

		if !c.retry.ShouldRetry(attempt, merr) {
			if attempt > 1 {
				return nil, &MessagingError{Kind: MsgErrRetryExhausted, Attempts: attempt, Err: merr}
			}
			return nil, merr
		}

		delay := c.retry.BackoffDelay(attempt)
		logging.Warn("retrying messaging request",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(merr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, msgErr(MsgErrClosed, "request cancelled", ctx.Err())
		}
	}
}

func (c *Client) requestOnce(ctx context.Context, subject string, payload []byte, extraHeaders map[string]string, timeout time.Duration) ([]byte, *MessagingError) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := &nats.Msg{Subject: subject, Data: payload}
	if h := c.mergeHeaders(extraHeaders); h != nil {
		msg.Header = h
	}

	reply, err := c.conn.RequestMsgWithContext(reqCtx, msg)
	if err != nil {
		switch {
		case err == context.DeadlineExceeded || reqCtx.Err() == context.DeadlineExceeded:
			return nil, &MessagingError{Kind: MsgErrTimeout, Timeout: timeout}
		case c.conn.IsClosed():
			return nil, msgErr(MsgErrClosed, "connection closed", err)
		default:
			return nil, msgErr(MsgErrRequest, "request "+subject, err)
		}
	}
	return reply.Data, nil
}

// Publish fires a message without awaiting a reply.
func (c *Client) Publish(subject string, payload []byte, extraHeaders map[string]string) *MessagingError {
	subject = c.expandSubject(subject)
	msg := &nats.Msg{Subject: subject, Data: payload}
	if h := c.mergeHeaders(extraHeaders); h != nil {
		msg.Header = h
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return msgErr(MsgErrPublish, "publish "+subject, err)
	}
	return nil
}

// PhasePolicy is the effective per-phase behavior of a messaging plugin.
type PhasePolicy struct {
	Timeout time.Duration
	OnError OnError
	Retry   RetryPolicy
}

// MessagingPlugin binds a declared plugin to its bus configuration. The
// client connects lazily; reconnection is single-flight.
type MessagingPlugin struct {
	PluginName string
	ConfigName string
	QueueGroup string

	options  ClientOptions
	perPhase map[Phase]PhasePolicy

	clientMu sync.Mutex
	client   *Client
}

// NewMessagingPlugin merges the plugin item with its messaging config.
func NewMessagingPlugin(item *config.PluginItem, mc *config.MessagingConfig) (*MessagingPlugin, error) {
	if len(mc.Servers) == 0 {
		return nil, msgErr(MsgErrConnect, "messaging config "+mc.Name+" must specify at least one server", nil)
	}

	opts := DefaultClientOptions(mc.Servers)
	opts.Name = "nylon-" + item.Name
	opts.SubjectPrefix = mc.SubjectPrefix
	if mc.RequestTimeoutMs != nil {
		opts.RequestTimeout = time.Duration(*mc.RequestTimeoutMs) * time.Millisecond
	}
	if item.MaxInflight != nil {
		opts.MaxInflight = *item.MaxInflight
	} else if mc.MaxInflight != nil {
		opts.MaxInflight = *mc.MaxInflight
	}
	if item.OverflowPolicy != "" {
		opts.Overflow = ParseOverflowPolicy(item.OverflowPolicy)
	} else if mc.OverflowPolicy != "" {
		opts.Overflow = ParseOverflowPolicy(mc.OverflowPolicy)
	}
	opts.Retry = mergeRetryPolicy(DefaultRetryPolicy(), mc.Retry)
	opts.DefaultHeaders = mc.DefaultHeaders

	queueGroup := strings.TrimSpace(item.Group)
	if queueGroup == "" {
		queueGroup = "default"
	}

	return &MessagingPlugin{
		PluginName: item.Name,
		ConfigName: mc.Name,
		QueueGroup: queueGroup,
		options:    opts,
		perPhase:   buildPhasePolicies(item.PerPhase, mc.Retry),
	}, nil
}

// Client returns the lazily connected client.
func (p *MessagingPlugin) Client() (*Client, *MessagingError) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := Connect(p.options)
	if err != nil {
		merr, ok := err.(*MessagingError)
		if !ok {
			merr = msgErr(MsgErrConnect, "connect", err)
		}
		return nil, merr
	}
	p.client = client
	return client, nil
}

// Subject builds the phase subject for this plugin.
func (p *MessagingPlugin) Subject(phase Phase) string {
	prefix := p.options.SubjectPrefix
	if prefix == "" {
		prefix = "nylon"
	}
	return strings.TrimSuffix(prefix, ".") + ".plugin." + p.PluginName + "." + phase.SubjectFragment()
}

// PhasePolicy returns the effective policy for a phase; unset phases
// abort on error with the client defaults.
func (p *MessagingPlugin) PhasePolicy(phase Phase) PhasePolicy {
	if policy, ok := p.perPhase[phase]; ok {
		return policy
	}
	return PhasePolicy{OnError: OnErrorAbort, Retry: p.options.Retry}
}

func mergeRetryPolicy(base RetryPolicy, cfg *config.RetryPolicyConfig) RetryPolicy {
	if cfg == nil {
		return base
	}
	if cfg.Max != nil && *cfg.Max > 0 {
		base.MaxAttempts = *cfg.Max
	}
	if cfg.BackoffMsInitial != nil && *cfg.BackoffMsInitial > 0 {
		base.BackoffInitial = time.Duration(*cfg.BackoffMsInitial) * time.Millisecond
	}
	if cfg.BackoffMsMax != nil && *cfg.BackoffMsMax > 0 {
		base.BackoffMax = time.Duration(*cfg.BackoffMsMax) * time.Millisecond
	}
	return base
}

func parsePhaseName(name string) (Phase, bool) {
	switch name {
	case "zero":
		return PhaseZero, true
	case "request_filter":
		return PhaseRequestFilter, true
	case "response_filter":
		return PhaseResponseFilter, true
	case "response_body_filter":
		return PhaseResponseBodyFilter, true
	case "logging":
		return PhaseLogging, true
	}
	return PhaseZero, false
}

func buildPhasePolicies(perPhase map[string]config.PhasePolicyConfig, baseRetry *config.RetryPolicyConfig) map[Phase]PhasePolicy {
	policies := make(map[Phase]PhasePolicy, len(perPhase))
	for name, cfg := range perPhase {
		phase, ok := parsePhaseName(name)
		if !ok {
			logging.Warn("ignoring unknown plugin phase", zap.String("phase", name))
			continue
		}
		policy := PhasePolicy{
			OnError: ParseOnError(cfg.OnError),
			Retry:   mergeRetryPolicy(mergeRetryPolicy(DefaultRetryPolicy(), baseRetry), cfg.Retry),
		}
		if cfg.TimeoutMs != nil {
			policy.Timeout = time.Duration(*cfg.TimeoutMs) * time.Millisecond
		}
		policies[phase] = policy
	}
	return policies
}
