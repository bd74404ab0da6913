// Package upstream maintains the single TLS channel to the trading venue:
// framing, request/response correlation, heartbeats and reconnection.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/monitor"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/protoreg"
)

const (
	initialBackoff     = 500 * time.Millisecond
	backoffFactor      = 1.8
	maxBackoff         = 30 * time.Second
	heartbeatInterval  = 9 * time.Second
	appAuthTimeout     = 12 * time.Second
	defaultSendTimeout = 10 * time.Second
	dialTimeout        = 10 * time.Second
	maxClientMsgID     = 2_000_000_000
)

var (
	// ErrDisconnected settles pending requests when the channel drops.
	ErrDisconnected = errors.New("upstream disconnected")
	// ErrShuttingDown rejects work submitted after Stop.
	ErrShuttingDown = errors.New("upstream shutting down")
)

// State of the venue channel. Ready means application auth completed and
// ordinary requests may flow.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// SendRequest describes one request frame. Env selects the venue
// environment; empty means whatever the channel currently targets.
type SendRequest struct {
	PayloadKey string
	Fields     map[string]any
	Timeout    time.Duration
	Env        string
}

// Response is a decoded venue frame handed back to the caller.
type Response struct {
	PayloadType uint32
	PayloadName string
	Fields      map[string]any
	ClientMsgID string
}

// EventHandler receives frames that did not settle a pending request:
// spot quotes, execution events and other pushes.
type EventHandler func(env, payloadName string, fields map[string]any)

// Options configures the venue channel.
type Options struct {
	ClientID     string
	ClientSecret string
	DefaultEnv   string
	DemoHost     string
	LiveHost     string
	Port         int
	// TLSConfig overrides the default TLS client configuration. Tests
	// point this at a self-signed venue.
	TLSConfig *tls.Config
}

type callResult struct {
	resp *Response
	err  error
}

type pendingCall struct {
	key   string
	seq   uint64
	ch    chan callResult
	timer *time.Timer
}

// readyGate is a resettable one-shot: waiters block until the channel
// reaches Ready (or fails terminally), then read the recorded error.
type readyGate struct {
	ch   chan struct{}
	err  error
	done bool
}

// Conn is the stateful channel to the venue. One Conn serves the whole
// process; all methods are safe for concurrent use.
type Conn struct {
	log  *zap.Logger
	reg  *protoreg.Registry
	opts Options

	mu              sync.Mutex
	sock            net.Conn
	sockGen         int
	state           State
	currentEnv      string
	connectInFlight bool
	shuttingDown    bool
	backoff         time.Duration
	reconnectTimer  *time.Timer
	gate            *readyGate
	pending         map[string]*pendingCall
	nextSeq         uint64
	nextID          int64
	hbStop          chan struct{}
	handler         EventHandler

	// Serializes socket writes; never held together with mu.
	writeMu sync.Mutex
}

func NewConn(reg *protoreg.Registry, opts Options, log *zap.Logger) *Conn {
	c := &Conn{
		log:        log,
		reg:        reg,
		opts:       opts,
		backoff:    initialBackoff,
		pending:    make(map[string]*pendingCall),
		currentEnv: opts.DefaultEnv,
	}
	c.gate = &readyGate{ch: make(chan struct{})}
	return c
}

// SetEventHandler installs the sink for uncorrelated frames. Call before
// Start.
func (c *Conn) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Start loads the protobuf schema and begins connecting to the default
// environment. It returns once the schema is loaded; the connection itself
// is established in the background.
func (c *Conn) Start() error {
	if err := c.reg.Load(); err != nil {
		return err
	}
	go c.connect(c.opts.DefaultEnv)
	return nil
}

// Stop tears the channel down. Pending requests and ready waiters settle
// with a disconnection error; no reconnect is attempted afterwards.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	c.stopHeartbeatLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sock := c.sock
	c.sock = nil
	c.sockGen++
	c.setStateLocked(StateDisconnected)
	c.failPendingLocked(ErrDisconnected)
	c.completeGateLocked(ErrDisconnected)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.log.Info("upstream channel stopped")
}

// State reports the current channel state and target environment.
func (c *Conn) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.currentEnv
}

// EnsureReady blocks until the channel is ready against env, reconnecting
// first when it currently targets a different environment.
func (c *Conn) EnsureReady(ctx context.Context, env string) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.currentEnv == env && c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.currentEnv != env && c.currentEnv != "" {
		c.log.Info("switching venue environment",
			zap.String("from", c.currentEnv), zap.String("to", env))
		c.forceReconnectLocked(env)
	}
	g := c.gate
	c.mu.Unlock()

	select {
	case <-g.ch:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send transmits one request frame and blocks until the venue answers, the
// per-request timeout fires, or ctx is done. Application auth bypasses the
// ready gate since it is what opens it.
func (c *Conn) Send(ctx context.Context, req SendRequest) (*Response, error) {
	if req.PayloadKey != KeyApplicationAuthReq {
		if req.Env != "" {
			if err := c.EnsureReady(ctx, req.Env); err != nil {
				return nil, err
			}
		} else if err := c.awaitReady(ctx); err != nil {
			return nil, err
		}
	}

	payloadID, err := c.reg.PayloadTypeID(req.PayloadKey)
	if err != nil {
		return nil, err
	}
	msgType, err := c.reg.MessageTypeFromPayloadName(req.PayloadKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	sock := c.sock
	if sock == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	clientMsgID := strconv.FormatInt(c.nextIDLocked(), 10)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	call := &pendingCall{
		key: req.PayloadKey,
		seq: c.nextSeq,
		ch:  make(chan callResult, 1),
	}
	c.nextSeq++
	c.pending[clientMsgID] = call
	call.timer = time.AfterFunc(timeout, func() { c.expirePending(clientMsgID) })
	c.mu.Unlock()

	fields := make(map[string]any, len(req.Fields)+1)
	for k, v := range req.Fields {
		fields[k] = v
	}
	if c.reg.HasField(msgType, "clientMsgId") {
		fields["clientMsgId"] = clientMsgID
	}

	payload, err := c.reg.EncodeMessage(msgType, fields)
	if err == nil {
		var frame []byte
		frame, err = c.reg.EncodeProtoMessage(payloadID, payload, clientMsgID)
		if err == nil {
			c.writeMu.Lock()
			_, werr := sock.Write(Frame(frame))
			c.writeMu.Unlock()
			if werr != nil {
				err = fmt.Errorf("write to venue: %w", werr)
			}
		}
	}
	if err != nil {
		c.cancelPending(clientMsgID)
		return nil, err
	}
	monitor.UpstreamRequests.WithLabelValues(req.PayloadKey).Inc()

	select {
	case res := <-call.ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.cancelPending(clientMsgID)
		return nil, ctx.Err()
	}
}

func (c *Conn) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	g := c.gate
	c.mu.Unlock()

	select {
	case <-g.ch:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) connect(env string) {
	c.mu.Lock()
	if c.shuttingDown || c.connectInFlight {
		c.mu.Unlock()
		return
	}
	// currentEnv is the desired target; a stale timer or caller may carry
	// an older env.
	if c.currentEnv != "" {
		env = c.currentEnv
	}
	c.connectInFlight = true
	c.setStateLocked(StateConnecting)
	c.resetGateLocked()
	c.mu.Unlock()

	addr := net.JoinHostPort(c.hostFor(env), strconv.Itoa(c.opts.Port))
	c.log.Info("connecting to venue", zap.String("env", env), zap.String("addr", addr))

	dialer := &net.Dialer{Timeout: dialTimeout}
	sock, err := tls.DialWithDialer(dialer, "tcp", addr, c.opts.TLSConfig)
	if err != nil {
		c.log.Warn("venue dial failed", zap.String("env", env), zap.Error(err))
		c.mu.Lock()
		c.connectInFlight = false
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked(env)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		sock.Close()
		return
	}
	if c.currentEnv != env {
		// Retargeted while dialing; throw this socket away and chase the
		// new environment.
		retarget := c.currentEnv
		c.connectInFlight = false
		c.mu.Unlock()
		sock.Close()
		go c.connect(retarget)
		return
	}
	c.sock = sock
	c.sockGen++
	gen := c.sockGen
	c.backoff = initialBackoff
	c.connectInFlight = false
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	monitor.UpstreamConnects.Inc()
	go c.readLoop(sock, gen, env)

	if err := c.appAuth(); err != nil {
		c.log.Error("application auth failed", zap.String("env", env), zap.Error(err))
		c.dropConn(gen, err, env)
		return
	}

	c.mu.Lock()
	if gen != c.sockGen {
		// Channel was torn down while authenticating.
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReady)
	c.completeGateLocked(nil)
	c.startHeartbeatLocked()
	c.mu.Unlock()
	c.log.Info("venue channel ready", zap.String("env", env))
}

func (c *Conn) appAuth() error {
	ctx, cancel := context.WithTimeout(context.Background(), appAuthTimeout)
	defer cancel()

	resp, err := c.Send(ctx, SendRequest{
		PayloadKey: KeyApplicationAuthReq,
		Fields: map[string]any{
			"clientId":     c.opts.ClientID,
			"clientSecret": c.opts.ClientSecret,
		},
		Timeout: appAuthTimeout,
	})
	if err != nil {
		return err
	}
	if resp.PayloadName == KeyErrorRes || resp.PayloadName == KeyCommonErrorRes {
		return fmt.Errorf("application auth rejected: %v (%v)",
			resp.Fields["errorCode"], resp.Fields["description"])
	}
	return nil
}

// forceReconnectLocked tears down the current socket and dials env. Pending
// requests fail immediately; the backoff restarts from its floor.
func (c *Conn) forceReconnectLocked(env string) {
	sock := c.sock
	c.sock = nil
	c.sockGen++
	c.stopHeartbeatLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.setStateLocked(StateDisconnected)
	c.resetGateLocked()
	c.failPendingLocked(ErrDisconnected)
	c.backoff = initialBackoff
	c.currentEnv = env

	go func() {
		if sock != nil {
			sock.Close()
		}
		c.connect(env)
	}()
}

// dropConn handles the loss of the socket identified by gen. Stale
// generations are ignored so an intentional teardown does not double up.
func (c *Conn) dropConn(gen int, cause error, env string) {
	c.mu.Lock()
	if gen != c.sockGen || c.shuttingDown {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.sock = nil
	c.sockGen++
	c.stopHeartbeatLocked()
	c.setStateLocked(StateDisconnected)
	c.resetGateLocked()
	c.failPendingLocked(ErrDisconnected)
	c.scheduleReconnectLocked(env)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	monitor.UpstreamDisconnects.Inc()
	c.log.Warn("venue connection lost", zap.String("env", env), zap.Error(cause))
}

func (c *Conn) scheduleReconnectLocked(env string) {
	if c.shuttingDown {
		return
	}
	delay := c.backoff
	c.backoff = time.Duration(float64(c.backoff) * backoffFactor)
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() { c.connect(env) })
	c.log.Info("reconnect scheduled", zap.String("env", env), zap.Duration("delay", delay))
}

func (c *Conn) readLoop(sock net.Conn, gen int, env string) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frames, tail, ferr := Deframe(buf)
				for _, f := range frames {
					c.handleFrame(f, env)
				}
				if ferr != nil {
					// Skip the poisoned header and keep the channel.
					c.log.Warn("malformed frame header from venue",
						zap.String("env", env), zap.Error(ferr))
					monitor.UpstreamDecodeFailures.Inc()
					buf = append(buf[:0], tail[headerSize:]...)
					continue
				}
				buf = append(buf[:0], tail...)
				break
			}
		}
		if err != nil {
			c.dropConn(gen, err, env)
			return
		}
	}
}

func (c *Conn) handleFrame(frame []byte, env string) {
	envl, err := c.reg.DecodeProtoMessage(frame)
	if err != nil {
		monitor.UpstreamDecodeFailures.Inc()
		c.log.Warn("undecodable wrapper frame", zap.Error(err))
		return
	}
	name, ok := c.reg.PayloadTypeName(envl.PayloadType)
	if !ok {
		c.log.Warn("unknown payload type from venue",
			zap.Uint32("payloadType", envl.PayloadType))
		return
	}
	var fields map[string]any
	msgType, err := c.reg.MessageTypeFromPayloadName(name)
	if err == nil {
		fields, err = c.reg.DecodeMessage(msgType, envl.Payload)
	}
	if err != nil {
		monitor.UpstreamDecodeFailures.Inc()
		c.log.Warn("dropping undecodable payload", zap.String("payload", name), zap.Error(err))
		return
	}

	resp := &Response{
		PayloadType: envl.PayloadType,
		PayloadName: name,
		Fields:      fields,
		ClientMsgID: envl.ClientMsgID,
	}

	id := envl.ClientMsgID
	if id == "" {
		if v, ok := fields["clientMsgId"].(string); ok {
			id = v
		}
	}
	if id != "" {
		if call := c.takePending(id); call != nil {
			call.ch <- callResult{resp: resp}
			return
		}
	}
	if systemResponses[name] {
		if call := c.takeOldestPending(); call != nil {
			call.ch <- callResult{resp: resp}
			return
		}
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(env, name, fields)
		return
	}
	c.log.Debug("unhandled venue event", zap.String("payload", name))
}

func (c *Conn) takePending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	call.timer.Stop()
	return call
}

func (c *Conn) takeOldestPending() *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest *pendingCall
	var oldestID string
	for id, call := range c.pending {
		if oldest == nil || call.seq < oldest.seq {
			oldest = call
			oldestID = id
		}
	}
	if oldest != nil {
		delete(c.pending, oldestID)
		oldest.timer.Stop()
	}
	return oldest
}

func (c *Conn) expirePending(id string) {
	call := c.takePending(id)
	if call == nil {
		return
	}
	monitor.UpstreamTimeouts.Inc()
	call.ch <- callResult{err: fmt.Errorf("Request timeout (%s) clientMsgId=%s", call.key, id)}
}

func (c *Conn) cancelPending(id string) {
	c.takePending(id)
}

func (c *Conn) failPendingLocked(cause error) {
	for id, call := range c.pending {
		call.timer.Stop()
		call.ch <- callResult{err: cause}
		delete(c.pending, id)
	}
}

// nextIDLocked yields client message ids 1..2e9, wrapping past the cap so
// zero is never produced.
func (c *Conn) nextIDLocked() int64 {
	c.nextID++
	if c.nextID > maxClientMsgID {
		c.nextID = 1
	}
	return c.nextID
}

func (c *Conn) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.hbStop = stop
	go c.heartbeatLoop(stop)
}

func (c *Conn) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Conn) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				// One-way traffic; a miss is survivable.
				c.log.Warn("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

func (c *Conn) sendHeartbeat() error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrDisconnected
	}

	id, err := c.reg.PayloadTypeID(KeyHeartbeatEvent)
	if err != nil {
		return err
	}
	payload, err := c.reg.EncodeMessage("ProtoHeartbeatEvent", map[string]any{})
	if err != nil {
		return err
	}
	frame, err := c.reg.EncodeProtoMessage(id, payload, "")
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = sock.Write(Frame(frame))
	return err
}

func (c *Conn) resetGateLocked() {
	if c.gate == nil || c.gate.done {
		c.gate = &readyGate{ch: make(chan struct{})}
	}
}

func (c *Conn) completeGateLocked(err error) {
	if c.gate == nil || c.gate.done {
		return
	}
	c.gate.err = err
	c.gate.done = true
	close(c.gate.ch)
}

func (c *Conn) setStateLocked(s State) {
	c.state = s
	monitor.UpstreamState.Set(float64(s))
}

func (c *Conn) hostFor(env string) string {
	if env == "live" {
		return c.opts.LiveHost
	}
	return c.opts.DemoHost
}
