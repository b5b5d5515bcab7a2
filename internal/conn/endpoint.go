// Package conn implements ConnectionEndpoint: one physical HTTP/2
// connection to an APNs server, driven directly with
// golang.org/x/net/http2's Framer rather than net/http's transport, so
// the engine gets stream IDs, SETTINGS, and PING under its own
// control. All state affecting a connection's streams — stream
// bookkeeping, the HPACK encoder, the send window — is owned by a
// single goroutine per Endpoint; everything else hands work to it
// over channels.
package conn

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jchambers/pushy-go/internal/tlsconf"
	"github.com/jchambers/pushy-go/metrics"
)

// Options configures Dial.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	Logger           *zap.Logger
	Metrics          metrics.Listener
	// OnClose is invoked exactly once, from the endpoint's own worker
	// goroutine, when the endpoint reaches StateClosed. It must not
	// block or call back into the endpoint.
	OnClose func(ep *Endpoint, cause CloseCause)

	// DialFunc opens the raw TCP (or proxy-tunneled) connection. nil
	// selects a plain net.Dialer, dialing addr directly.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 60 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
}

type binding struct {
	streamID      uint32
	resultCh      chan Response
	headers       map[string]string
	body          bytes.Buffer
	status        int
	deadlineTimer *time.Timer
}

type submitRequest struct {
	req      Request
	resultCh chan Response
	// idCh receives the allocated stream ID, or 0 if the request was
	// rejected before a stream was opened (e.g. ErrAtCapacity). Always
	// sent to exactly once.
	idCh chan uint32
}

type closeRequest struct {
	graceful bool
	doneCh   chan struct{}
}

// cancelRequest tears a single stream down before it completes
// naturally, either because its Request.Deadline elapsed or because
// the caller's context was canceled.
type cancelRequest struct {
	streamID uint32
	err      error
}

type frameError struct{ err error }

// Endpoint is one HTTP/2 connection to an APNs server. All exported
// methods are safe to call from any goroutine; the state they touch
// is owned by the endpoint's internal worker loop.
type Endpoint struct {
	id     string
	target string

	tlsConn *tls.Conn
	framer  *http2.Framer

	hpackEncBuf  *bytes.Buffer
	hpackEncoder *hpack.Encoder

	state                atomic.Int32
	inflight             atomic.Int32
	maxConcurrentStreams atomic.Uint32

	// Owned exclusively by run(); never touched from another goroutine.
	nextStreamID    uint32
	bindings        map[uint32]*binding
	connSendWindow  int64
	pingOutstanding bool
	pingTimer       *time.Timer
	pingTimeoutTmr  *time.Timer
	closeDoneCh     chan struct{}

	frameCh       chan any
	submitCh      chan *submitRequest
	closeCh       chan *closeRequest
	cancelCh      chan cancelRequest
	pingTimeoutCh chan struct{}

	readyCh   chan struct{}
	abortCh   chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once

	pingInterval time.Duration
	pingTimeout  time.Duration

	onClose func(ep *Endpoint, cause CloseCause)
	logger  *zap.Logger
	metrics metrics.Listener
}

// Dial opens a TCP connection to addr, performs the TLS+ALPN
// handshake using tlsCfg, writes the HTTP/2 client preface, and blocks
// until the connection is Ready (peer SETTINGS observed) or the
// handshake fails or times out.
func Dial(ctx context.Context, id, addr string, tlsCfg *tls.Config, opts Options) (*Endpoint, error) {
	opts.setDefaults()

	dial := opts.DialFunc
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	rawConn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}

	_ = rawConn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("conn: tls handshake with %s: %w", addr, err)
	}
	if err := tlsconf.VerifyNegotiatedH2(tlsConn.ConnectionState()); err != nil {
		tlsConn.Close()
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	if _, err := tlsConn.Write([]byte(http2.ClientPreface)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("conn: writing client preface to %s: %w", addr, err)
	}

	e := &Endpoint{
		id:             id,
		target:         addr,
		tlsConn:        tlsConn,
		framer:         http2.NewFramer(tlsConn, tlsConn),
		hpackEncBuf:    &bytes.Buffer{},
		bindings:       make(map[uint32]*binding),
		connSendWindow: 65535,
		nextStreamID:   1,
		frameCh:        make(chan any, 8),
		submitCh:       make(chan *submitRequest),
		closeCh:        make(chan *closeRequest),
		cancelCh:       make(chan cancelRequest, 8),
		pingTimeoutCh:  make(chan struct{}, 1),
		readyCh:        make(chan struct{}),
		abortCh:        make(chan struct{}),
		closedCh:       make(chan struct{}),
		pingInterval:   opts.PingInterval,
		pingTimeout:    opts.PingTimeout,
		onClose:        opts.OnClose,
		logger:         opts.Logger.With(zap.String("conn_id", id), zap.String("target", addr)),
		metrics:        opts.Metrics,
	}
	e.hpackEncoder = hpack.NewEncoder(e.hpackEncBuf)
	e.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	e.maxConcurrentStreams.Store(1)
	e.state.Store(int32(StateConnecting))

	if err := e.framer.WriteSettings(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("conn: writing initial settings to %s: %w", addr, err)
	}

	go e.readLoop()
	go e.run()

	select {
	case <-e.readyCh:
		e.logger.Info("connection ready")
		return e, nil
	case <-e.closedCh:
		return nil, fmt.Errorf("conn: handshake with %s failed", addr)
	case <-ctx.Done():
		e.forceClose()
		return nil, ctx.Err()
	case <-time.After(opts.HandshakeTimeout):
		e.forceClose()
		return nil, fmt.Errorf("conn: handshake with %s timed out", addr)
	}
}

// ID returns the endpoint's identifier, used for logging and metrics.
func (e *Endpoint) ID() string { return e.id }

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

// Inflight returns the number of streams awaiting a response.
func (e *Endpoint) Inflight() int { return int(e.inflight.Load()) }

// MaxConcurrentStreams returns the peer-advertised concurrency limit,
// or 1 if no SETTINGS frame has been observed yet.
func (e *Endpoint) MaxConcurrentStreams() uint32 { return e.maxConcurrentStreams.Load() }

// Done is closed once the endpoint reaches StateClosed.
func (e *Endpoint) Done() <-chan struct{} { return e.closedCh }

// Send submits req on a new stream and returns a channel that will
// receive exactly one Response, along with the stream ID the request
// was assigned (for a later Cancel). A returned ID of 0 means the
// request was resolved on resultCh without ever opening a stream
// (e.g. ErrAtCapacity) and Cancel need not be called.
func (e *Endpoint) Send(ctx context.Context, req Request) (<-chan Response, uint32, error) {
	if e.State() != StateReady {
		return nil, 0, ErrNotReady
	}

	resultCh := make(chan Response, 1)
	sr := &submitRequest{req: req, resultCh: resultCh, idCh: make(chan uint32, 1)}

	select {
	case e.submitCh <- sr:
		// run processes submitCh synchronously in its select loop, so
		// idCh is always written before run moves on; no second select
		// is needed here.
		return resultCh, <-sr.idCh, nil
	case <-e.closedCh:
		return nil, 0, ErrConnectionClosed
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Cancel resets the stream identified by streamID (as returned by
// Send) with RST_STREAM(CANCEL) and resolves its Response with
// ErrCanceled, if it is still inflight. A no-op if the stream already
// completed or streamID is 0.
func (e *Endpoint) Cancel(streamID uint32) {
	if streamID == 0 {
		return
	}
	select {
	case e.cancelCh <- cancelRequest{streamID: streamID, err: ErrCanceled}:
	case <-e.closedCh:
	}
}

// Close requests the endpoint shut down. A graceful close sends
// GOAWAY and waits for inflight streams to finish before tearing down
// the socket; a hard close fails every inflight stream immediately.
// The returned channel is closed once the endpoint has reached
// StateClosed.
func (e *Endpoint) Close(graceful bool) <-chan struct{} {
	done := make(chan struct{})
	cr := &closeRequest{graceful: graceful, doneCh: done}

	select {
	case e.closeCh <- cr:
	case <-e.closedCh:
		close(done)
	}
	return done
}

// forceClose aborts the connection before it ever became ready (a
// canceled or timed-out Dial). It only signals run, which is still the
// sole goroutine allowed to touch tlsConn and closedCh; this keeps
// teardown on a single path instead of racing forceClose against run's
// own finish.
func (e *Endpoint) forceClose() {
	e.closeOnce.Do(func() {
		close(e.abortCh)
	})
	<-e.closedCh
}

func (e *Endpoint) readLoop() {
	for {
		f, err := e.framer.ReadFrame()
		if err != nil {
			select {
			case e.frameCh <- frameError{err}:
			case <-e.closedCh:
			}
			return
		}
		select {
		case e.frameCh <- f:
		case <-e.closedCh:
			return
		}
	}
}

// run is the endpoint's single worker goroutine. Every write to the
// wire and every mutation of stream bookkeeping happens here, so
// HEADERS/DATA framing for concurrently submitted requests is never
// interleaved incorrectly and the HPACK encoder's dynamic table never
// sees concurrent access.
func (e *Endpoint) run() {
	handshakeDone := false
	e.pingTimer = time.NewTimer(e.pingInterval)
	defer e.pingTimer.Stop()

	finish := func(cause CloseCause) {
		e.closeAllBindings(causeError(cause))
		e.state.Store(int32(StateClosed))
		e.tlsConn.Close()
		if handshakeDone {
			e.metrics.ConnectionRemoved()
		}
		e.logger.Info("connection closed", zap.String("cause", cause.String()))
		if e.onClose != nil {
			e.onClose(e, cause)
		}
		if e.closeDoneCh != nil {
			close(e.closeDoneCh)
		}
		close(e.closedCh)
	}

	for {
		select {
		case item := <-e.frameCh:
			switch v := item.(type) {
			case frameError:
				e.logger.Warn("connection read failed", zap.Error(v.err))
				finish(CauseIOError)
				return
			case *http2.MetaHeadersFrame:
				e.handleHeaders(v)
			case *http2.DataFrame:
				e.handleData(v)
			case *http2.SettingsFrame:
				if v.IsAck() {
					continue
				}
				e.applySettings(v)
				if err := e.framer.WriteSettingsAck(); err != nil {
					finish(CauseIOError)
					return
				}
				if !handshakeDone {
					handshakeDone = true
					e.state.Store(int32(StateReady))
					e.metrics.ConnectionAdded()
					close(e.readyCh)
				}
			case *http2.PingFrame:
				if err := e.handlePing(v); err != nil {
					finish(CauseIOError)
					return
				}
			case *http2.GoAwayFrame:
				e.handleGoAway(v)
			case *http2.RSTStreamFrame:
				e.handleRSTStream(v)
			case *http2.WindowUpdateFrame:
				e.handleWindowUpdate(v)
			}

		case sr := <-e.submitCh:
			e.handleSubmit(sr)

		case cr := <-e.cancelCh:
			e.handleCancel(cr)

		case cr := <-e.closeCh:
			if done, cause := e.handleCloseRequest(cr); done {
				finish(cause)
				if !cr.graceful {
					close(cr.doneCh)
				}
				return
			}

		case <-e.pingTimer.C:
			if err := e.sendPing(); err != nil {
				finish(CauseIOError)
				return
			}

		case <-e.pingTimeoutCh:
			finish(CauseIdleTimeout)
			return

		case <-e.abortCh:
			finish(CauseHandshakeFailed)
			return
		}

		if e.State() == StateDraining && e.inflight.Load() == 0 {
			// Draining without a local graceful Close means the peer
			// sent GOAWAY.
			cause := CauseLocalClose
			if e.closeDoneCh == nil {
				cause = CauseGoAway
			}
			finish(cause)
			return
		}

		if !e.pingTimer.Stop() {
			select {
			case <-e.pingTimer.C:
			default:
			}
		}
		e.pingTimer.Reset(e.pingInterval)
	}
}

func (e *Endpoint) applySettings(f *http2.SettingsFrame) {
	_ = f.ForeachSetting(func(s http2.Setting) error {
		if s.ID == http2.SettingMaxConcurrentStreams {
			e.maxConcurrentStreams.Store(s.Val)
		}
		return nil
	})
}

func (e *Endpoint) handleSubmit(sr *submitRequest) {
	if e.State() != StateReady {
		sr.resultCh <- Response{Err: ErrNotReady}
		sr.idCh <- 0
		return
	}
	if uint32(e.inflight.Load()) >= e.maxConcurrentStreams.Load() {
		sr.resultCh <- Response{Err: ErrAtCapacity}
		sr.idCh <- 0
		return
	}

	streamID := e.nextStreamID
	e.nextStreamID += 2

	e.hpackEncBuf.Reset()
	for _, f := range buildHeaderFields(sr.req) {
		if err := e.hpackEncoder.WriteField(f); err != nil {
			sr.resultCh <- Response{Err: fmt.Errorf("conn: encoding headers: %w", err)}
			sr.idCh <- 0
			return
		}
	}
	block := append([]byte(nil), e.hpackEncBuf.Bytes()...)

	endStream := len(sr.req.Body) == 0
	if err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		sr.resultCh <- Response{Err: fmt.Errorf("conn: writing headers: %w", err)}
		sr.idCh <- 0
		go e.Close(false)
		return
	}

	if !endStream {
		// Payloads are bounded (the client validates this well under
		// 5 KiB), so a single DATA frame always fits within both the
		// connection and stream initial windows; a production-scale
		// sender would need to track and wait on per-stream windows
		// here.
		if err := e.framer.WriteData(streamID, true, sr.req.Body); err != nil {
			sr.resultCh <- Response{Err: fmt.Errorf("conn: writing data: %w", err)}
			sr.idCh <- 0
			go e.Close(false)
			return
		}
		if e.connSendWindow > int64(len(sr.req.Body)) {
			e.connSendWindow -= int64(len(sr.req.Body))
		}
	}

	sr.idCh <- streamID
	b := &binding{streamID: streamID, resultCh: sr.resultCh, headers: make(map[string]string)}
	if !sr.req.Deadline.IsZero() {
		d := time.Until(sr.req.Deadline)
		if d <= 0 {
			if err := e.framer.WriteRSTStream(streamID, http2.ErrCodeCancel); err != nil {
				e.logger.Warn("writing RST_STREAM for expired stream failed", zap.Error(err))
			}
			sr.resultCh <- Response{Err: ErrTimedOut}
			return
		}
		b.deadlineTimer = time.AfterFunc(d, func() {
			select {
			case e.cancelCh <- cancelRequest{streamID: streamID, err: ErrTimedOut}:
			case <-e.closedCh:
			}
		})
	}

	e.bindings[streamID] = b
	e.inflight.Add(1)
	e.metrics.NotificationSent(sr.req.Headers["apns-topic"])
}

func (e *Endpoint) handleHeaders(mh *http2.MetaHeadersFrame) {
	b, ok := e.bindings[mh.StreamID]
	if !ok {
		return
	}
	if status := mh.PseudoValue("status"); status != "" {
		if n, err := strconv.Atoi(status); err == nil {
			b.status = n
		}
	}
	for _, f := range mh.RegularFields() {
		b.headers[f.Name] = f.Value
	}
	if mh.StreamEnded() {
		e.completeBinding(b)
	}
}

func (e *Endpoint) handleData(df *http2.DataFrame) {
	b, ok := e.bindings[df.StreamID]
	if !ok {
		return
	}
	b.body.Write(df.Data())
	if df.StreamEnded() {
		e.completeBinding(b)
	}
}

func (e *Endpoint) completeBinding(b *binding) {
	delete(e.bindings, b.streamID)
	e.inflight.Add(-1)
	if b.deadlineTimer != nil {
		b.deadlineTimer.Stop()
	}
	// NotificationAcknowledged is reported by the caller, which knows
	// the accepted/rejected/failed distinction and the submit-to-resolution
	// duration; this layer only has a status code and no submit timestamp.
	b.resultCh <- Response{StatusCode: b.status, Headers: b.headers, Body: b.body.Bytes()}
}

func (e *Endpoint) handleRSTStream(f *http2.RSTStreamFrame) {
	b, ok := e.bindings[f.StreamID]
	if !ok {
		return
	}
	delete(e.bindings, f.StreamID)
	e.inflight.Add(-1)
	if b.deadlineTimer != nil {
		b.deadlineTimer.Stop()
	}
	b.resultCh <- Response{Err: fmt.Errorf("%w: %v", ErrStreamFailed, f.ErrCode)}
}

func (e *Endpoint) handleGoAway(f *http2.GoAwayFrame) {
	e.logger.Info("received goaway", zap.Uint32("last_stream_id", f.LastStreamID))
	e.state.Store(int32(StateDraining))
	for sid, b := range e.bindings {
		if sid <= f.LastStreamID {
			continue
		}
		delete(e.bindings, sid)
		e.inflight.Add(-1)
		if b.deadlineTimer != nil {
			b.deadlineTimer.Stop()
		}
		b.resultCh <- Response{Err: ErrConnectionClosed}
	}
}

func (e *Endpoint) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		e.connSendWindow += int64(f.Increment)
	}
}

func (e *Endpoint) handlePing(f *http2.PingFrame) error {
	if f.IsAck() {
		e.pingOutstanding = false
		if e.pingTimeoutTmr != nil {
			e.pingTimeoutTmr.Stop()
			e.pingTimeoutTmr = nil
		}
		return nil
	}
	return e.framer.WritePing(true, f.Data)
}

func (e *Endpoint) sendPing() error {
	var data [8]byte
	_, _ = rand.Read(data[:])
	if err := e.framer.WritePing(false, data); err != nil {
		return err
	}
	e.pingOutstanding = true
	e.pingTimeoutTmr = time.AfterFunc(e.pingTimeout, func() {
		select {
		case e.pingTimeoutCh <- struct{}{}:
		case <-e.closedCh:
		}
	})
	return nil
}

// handleCancel fires when a request's Request.Deadline elapses or a
// caller explicitly cancels a stream (Endpoint.Cancel, driven by its
// context being done). It resets the stream on the wire before
// resolving the outcome, so the peer stops counting it against its
// stream budget instead of leaving it to linger until it happens to
// respond.
func (e *Endpoint) handleCancel(cr cancelRequest) {
	b, ok := e.bindings[cr.streamID]
	if !ok {
		return
	}
	delete(e.bindings, cr.streamID)
	e.inflight.Add(-1)
	if b.deadlineTimer != nil {
		b.deadlineTimer.Stop()
	}
	if err := e.framer.WriteRSTStream(cr.streamID, http2.ErrCodeCancel); err != nil {
		e.logger.Warn("writing RST_STREAM for canceled stream failed", zap.Error(err))
	}
	b.resultCh <- Response{Err: cr.err}
}

// handleCloseRequest returns (true, cause) when run's caller should
// tear the connection down immediately; for a graceful close with
// streams still inflight it arranges for the teardown to happen once
// they drain and returns (false, _).
func (e *Endpoint) handleCloseRequest(cr *closeRequest) (bool, CloseCause) {
	if !cr.graceful {
		// run closes cr.doneCh after finish, once StateClosed is set.
		return true, CauseLocalClose
	}

	_ = e.framer.WriteGoAway(e.nextStreamID-2, http2.ErrCodeNo, nil)
	e.state.Store(int32(StateDraining))
	e.closeDoneCh = cr.doneCh
	if e.inflight.Load() == 0 {
		return true, CauseLocalClose
	}
	return false, CauseNone
}

func (e *Endpoint) closeAllBindings(err error) {
	for sid, b := range e.bindings {
		delete(e.bindings, sid)
		e.inflight.Add(-1)
		if b.deadlineTimer != nil {
			b.deadlineTimer.Stop()
		}
		b.resultCh <- Response{Err: err}
	}
}
