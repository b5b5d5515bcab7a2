// Package apns is a client library for Apple Push Notification
// service (APNs): a pool of multiplexed HTTP/2 connections, a
// per-team JWT cache, and the request/response correlation that binds
// a submission to its outcome.
package apns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jchambers/pushy-go/internal/authtoken"
	"github.com/jchambers/pushy-go/internal/conn"
	"github.com/jchambers/pushy-go/internal/pool"
	"github.com/jchambers/pushy-go/internal/tlsconf"
	"github.com/jchambers/pushy-go/metrics"
)

// Host constants for the two APNs environments (§6). Port 2197 is the
// documented alternate for firewall-constrained networks.
const (
	HostProduction  = "api.push.apple.com"
	HostDevelopment = "api.sandbox.push.apple.com"

	PortDefault   = 443
	PortAlternate = 2197
)

// ClientState is the LifecycleController state (§4.6).
type ClientState int32

const (
	StateNew ClientState = iota
	StateRunning
	StateShuttingDown
	StateClosed
)

// Client submits notifications to APNs over a pool of HTTP/2
// connections. Build one with NewClientBuilder.
type Client struct {
	host      string
	port      int
	authority string

	pool       *pool.Pool
	tokenCache *authtoken.Cache
	teamID     string

	uniqueIDPassthrough bool

	state     atomic.Int32
	closeOnce sync.Once

	logger  *zap.Logger
	metrics metrics.Listener
}

// ClientBuilder assembles a Client via functional configuration (§6
// "Public API surface").
type ClientBuilder struct {
	cfg builderConfig
}

type builderConfig struct {
	host                  string
	port                  int
	concurrentConnections int
	maxWaiters            int
	signingKey            *authtoken.SigningKey
	clientCertificate     *tls.Certificate
	trustedRoots          *x509.CertPool
	dialFunc              func(ctx context.Context, network, addr string) (net.Conn, error)
	connectionTimeout     time.Duration
	idlePingInterval      time.Duration
	pingTimeout           time.Duration
	metricsListener       metrics.Listener
	logger                *zap.Logger
	minReadyBeforeStart   int
	uniqueIDPassthrough   bool
}

// NewClientBuilder returns a builder defaulted to the production
// environment, one connection, and a 10s connection timeout.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{cfg: builderConfig{
		host:                  HostProduction,
		port:                  PortDefault,
		concurrentConnections: 1,
		maxWaiters:            1000,
		connectionTimeout:     10 * time.Second,
		idlePingInterval:      60 * time.Second,
		pingTimeout:           30 * time.Second,
		minReadyBeforeStart:   1,
	}}
}

// Development points the client at the sandbox APNs environment.
func (b *ClientBuilder) Development() *ClientBuilder {
	b.cfg.host = HostDevelopment
	return b
}

// Production points the client at the production APNs environment.
// This is the default.
func (b *ClientBuilder) Production() *ClientBuilder {
	b.cfg.host = HostProduction
	return b
}

// ApnsServer overrides both host and port, for the alternate-port or
// test-server case.
func (b *ClientBuilder) ApnsServer(host string, port int) *ClientBuilder {
	b.cfg.host = host
	b.cfg.port = port
	return b
}

// ConcurrentConnections sets the fixed pool size.
func (b *ClientBuilder) ConcurrentConnections(n int) *ClientBuilder {
	b.cfg.concurrentConnections = n
	return b
}

// MaxQueuedSubmissions bounds the wait queue Acquire callers join when
// every connection is at capacity.
func (b *ClientBuilder) MaxQueuedSubmissions(n int) *ClientBuilder {
	b.cfg.maxWaiters = n
	return b
}

// SigningKey configures token authentication. Mutually exclusive with
// ClientCertificate.
func (b *ClientBuilder) SigningKey(key authtoken.SigningKey) *ClientBuilder {
	b.cfg.signingKey = &key
	return b
}

// ClientCertificate configures mutual-TLS authentication. Mutually
// exclusive with SigningKey.
func (b *ClientBuilder) ClientCertificate(cert tls.Certificate) *ClientBuilder {
	b.cfg.clientCertificate = &cert
	return b
}

// TrustedServerCertificates overrides the trust anchors used to verify
// the APNs server certificate. Defaults to the system root pool.
func (b *ClientBuilder) TrustedServerCertificates(roots *x509.CertPool) *ClientBuilder {
	b.cfg.trustedRoots = roots
	return b
}

// ProxyDialer installs a custom dial function for every connection the
// pool opens, e.g. to tunnel through an HTTP CONNECT proxy. nil (the
// default) dials addr directly.
func (b *ClientBuilder) ProxyDialer(f func(ctx context.Context, network, addr string) (net.Conn, error)) *ClientBuilder {
	b.cfg.dialFunc = f
	return b
}

// ConnectionTimeout bounds TCP connect + TLS handshake + SETTINGS
// negotiation for one connection attempt.
func (b *ClientBuilder) ConnectionTimeout(d time.Duration) *ClientBuilder {
	b.cfg.connectionTimeout = d
	return b
}

// IdlePingInterval sets how long a connection may sit idle before a
// keepalive PING is sent.
func (b *ClientBuilder) IdlePingInterval(d time.Duration) *ClientBuilder {
	b.cfg.idlePingInterval = d
	return b
}

// PingTimeout sets how long to wait for a PING ACK before the
// connection is considered dead.
func (b *ClientBuilder) PingTimeout(d time.Duration) *ClientBuilder {
	b.cfg.pingTimeout = d
	return b
}

// MetricsListener installs a callback receiver for connection and
// submission events. Defaults to a no-op listener.
func (b *ClientBuilder) MetricsListener(l metrics.Listener) *ClientBuilder {
	b.cfg.metricsListener = l
	return b
}

// Logger installs a structured logger. Defaults to zap.NewNop().
func (b *ClientBuilder) Logger(l *zap.Logger) *ClientBuilder {
	b.cfg.logger = l
	return b
}

// MinReadyBeforeStart sets how many connections Build blocks for
// before returning; default 1. Values above the pool size are clamped
// to the pool size. Failed connection attempts are retried with
// backoff and do not end the wait; only ctx does.
func (b *ClientBuilder) MinReadyBeforeStart(n int) *ClientBuilder {
	b.cfg.minReadyBeforeStart = n
	return b
}

// UniqueIDPassthrough enables copying the apns-unique-id response
// header into Accepted outcomes, when the server sends one (only the
// development environment does).
func (b *ClientBuilder) UniqueIDPassthrough(enabled bool) *ClientBuilder {
	b.cfg.uniqueIDPassthrough = enabled
	return b
}

// EventLoopThreads is accepted for API parity with the language-neutral
// surface but has no effect: each connection already runs its own
// worker goroutine, and the Go runtime schedules those across
// GOMAXPROCS without a separate thread-pool-size knob.
func (b *ClientBuilder) EventLoopThreads(int) *ClientBuilder {
	return b
}

// Build constructs the Client, dials ConcurrentConnections connections
// in the background, and blocks until MinReadyBeforeStart of them are
// Ready or ctx is done (§4.6).
func (b *ClientBuilder) Build(ctx context.Context) (*Client, error) {
	cfg := b.cfg

	if cfg.signingKey == nil && cfg.clientCertificate == nil {
		return nil, fmt.Errorf("apns: either SigningKey or ClientCertificate must be configured")
	}
	if cfg.signingKey != nil && cfg.clientCertificate != nil {
		return nil, fmt.Errorf("apns: SigningKey and ClientCertificate are mutually exclusive")
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := cfg.metricsListener
	if listener == nil {
		listener = metrics.Noop{}
	}

	c := &Client{
		host:                cfg.host,
		port:                cfg.port,
		authority:           cfg.host,
		logger:              logger,
		metrics:             listener,
		uniqueIDPassthrough: cfg.uniqueIDPassthrough,
	}
	c.state.Store(int32(StateNew))

	tlsOpts := tlsconf.Options{Host: cfg.host, RootCAs: cfg.trustedRoots}
	if cfg.clientCertificate != nil {
		tlsOpts.ClientCertificate = cfg.clientCertificate
	}
	if cfg.signingKey != nil {
		c.tokenCache = authtoken.New([]authtoken.SigningKey{*cfg.signingKey}, 0)
		c.teamID = cfg.signingKey.TeamID
	}

	tlsCfg, err := tlsconf.Build(tlsOpts)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
	dialEndpoint := func(dialCtx context.Context, slotID string) (*conn.Endpoint, error) {
		return conn.Dial(dialCtx, slotID, addr, tlsCfg, conn.Options{
			HandshakeTimeout: cfg.connectionTimeout,
			PingInterval:     cfg.idlePingInterval,
			PingTimeout:      cfg.pingTimeout,
			Logger:           logger,
			Metrics:          listener,
			DialFunc:         cfg.dialFunc,
		})
	}

	c.pool = pool.New(ctx, dialEndpoint, pool.Options{
		Size:       cfg.concurrentConnections,
		MaxWaiters: cfg.maxWaiters,
		Logger:     logger,
		Metrics:    listener,
	})

	minReady := cfg.minReadyBeforeStart
	if minReady <= 0 {
		minReady = 1
	}
	if minReady > cfg.concurrentConnections {
		minReady = cfg.concurrentConnections
	}

	if err := c.pool.WaitReady(ctx, minReady); err != nil {
		c.pool.Close(0)
		c.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("apns: waiting for %d ready connection(s): %w", minReady, err)
	}

	c.state.Store(int32(StateRunning))
	return c, nil
}

// State returns the client's current lifecycle state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

// Submit validates n and sends it, blocking until APNs responds, the
// connection fails, ctx is done, or the client closes. The returned
// error is non-nil only for pre-send failures (validation, a closed
// client); all network-level results are represented as arms of the
// returned PushOutcome, never as an error (§7, §8 invariant 2).
func (c *Client) Submit(ctx context.Context, n *PushNotification) (PushOutcome, error) {
	if err := n.Validate(); err != nil {
		c.metrics.WriteFailure(n.Topic)
		return PushOutcome{}, err
	}

	switch c.State() {
	case StateShuttingDown:
		return PushOutcome{}, ErrClientShuttingDown
	case StateClosed:
		return PushOutcome{}, ErrClientClosed
	}

	return c.send(ctx, n)
}

// SubmitAll fans n out to every device token concurrently, cloning it
// per recipient so the ExpiredProviderToken retry path (and any future
// per-recipient mutation) never shares state across sends. Sugar over
// repeated Submit calls; imposes no cross-submission ordering (§5).
func (c *Client) SubmitAll(ctx context.Context, n *PushNotification, deviceTokens []string) []PushOutcome {
	outcomes := make([]PushOutcome, len(deviceTokens))

	var wg sync.WaitGroup
	wg.Add(len(deviceTokens))
	for i, token := range deviceTokens {
		go func(i int, token string) {
			defer wg.Done()
			individual := n.Clone()
			individual.DeviceToken = token
			outcome, err := c.Submit(ctx, individual)
			if err != nil {
				outcome = failedOutcome(err)
			}
			outcomes[i] = outcome
		}(i, token)
	}
	wg.Wait()

	return outcomes
}

func (c *Client) send(ctx context.Context, n *PushNotification) (PushOutcome, error) {
	req, err := c.buildRequest(n)
	if err != nil {
		return PushOutcome{}, err
	}

	outcome, err := c.sendRequest(ctx, req)
	if err != nil {
		return PushOutcome{}, err
	}

	if outcome.Rejected != nil && outcome.Rejected.Reason == ReasonExpiredProviderToken && c.tokenCache != nil {
		c.tokenCache.Invalidate(c.teamID)
		retryReq, err := c.buildRequest(n)
		if err != nil {
			return PushOutcome{}, err
		}
		return c.sendRequest(ctx, retryReq)
	}

	return outcome, nil
}

func (c *Client) sendRequest(ctx context.Context, req conn.Request) (PushOutcome, error) {
	start := time.Now()

	ep, err := c.pool.Acquire(ctx)
	if err != nil {
		c.metrics.WriteFailure(req.Headers["apns-topic"])
		return PushOutcome{}, err
	}

	if deadline, ok := ctx.Deadline(); ok && (req.Deadline.IsZero() || deadline.Before(req.Deadline)) {
		req.Deadline = deadline
	}

	resultCh, streamID, err := ep.Send(ctx, req)
	if err != nil {
		outcome := failedOutcome(err)
		c.metrics.NotificationAcknowledged("failed", time.Since(start))
		return outcome, nil
	}

	select {
	case resp := <-resultCh:
		outcome := c.toOutcome(resp)
		c.metrics.NotificationAcknowledged(outcomeLabel(outcome), time.Since(start))
		return outcome, nil
	case <-ctx.Done():
		ep.Cancel(streamID)
		<-resultCh
		outcome := failedOutcome(ctx.Err())
		c.metrics.NotificationAcknowledged("failed", time.Since(start))
		return outcome, nil
	}
}

func outcomeLabel(o PushOutcome) string {
	switch {
	case o.IsAccepted():
		return "accepted"
	case o.IsRejected():
		return "rejected"
	default:
		return "failed"
	}
}

func (c *Client) buildRequest(n *PushNotification) (conn.Request, error) {
	headers := map[string]string{"apns-topic": n.Topic}

	if n.PushType != "" {
		headers["apns-push-type"] = string(n.PushType)
	}

	if n.ApnsID != "" {
		headers["apns-id"] = n.ApnsID
	}

	if n.HasExpiration {
		headers["apns-expiration"] = strconv.FormatInt(n.Expiration.Unix(), 10)
	} else {
		headers["apns-expiration"] = "0"
	}
	if n.Priority != 0 {
		headers["apns-priority"] = strconv.Itoa(n.Priority)
	}
	if n.CollapseID != "" {
		headers["apns-collapse-id"] = n.CollapseID
	}

	if c.tokenCache != nil {
		token, err := c.tokenCache.Token(c.teamID)
		if err != nil {
			return conn.Request{}, fmt.Errorf("apns: minting auth token: %w", err)
		}
		headers["authorization"] = "bearer " + token
	}

	return conn.Request{
		Path:      "/3/device/" + n.DeviceToken,
		Authority: c.authority,
		Headers:   headers,
		Body:      n.Payload,
	}, nil
}

func (c *Client) toOutcome(resp conn.Response) PushOutcome {
	if resp.Err != nil {
		return failedOutcome(resp.Err)
	}

	if resp.StatusCode == 200 {
		uniqueID := ""
		if c.uniqueIDPassthrough {
			uniqueID = resp.Headers["apns-unique-id"]
		}
		return acceptedOutcome(resp.Headers["apns-id"], uniqueID)
	}

	var body struct {
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return rejectedOutcome("", nil)
	}

	var invalidation *time.Time
	if body.Reason == ReasonUnregistered && body.Timestamp > 0 {
		t := time.UnixMilli(body.Timestamp)
		invalidation = &t
	}
	return rejectedOutcome(body.Reason, invalidation)
}

// Close drains the pool: every endpoint receives a graceful close and
// in-flight streams are given up to timeout to finish before the
// client hard-closes whatever remains. Safe to call more than once;
// only the first call does anything.
func (c *Client) Close(timeout time.Duration) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateShuttingDown))
		c.pool.Close(timeout)
		c.state.Store(int32(StateClosed))
	})
}
