package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/MrWong99/voxline/internal/observe"
)

var (
	// ErrRegistrationFailed means the capped retry budget for REGISTER was
	// spent without a 200 OK.
	ErrRegistrationFailed = errors.New("sip: registration failed")

	// ErrShutDown is returned by operations on an endpoint that was shut down.
	ErrShutDown = errors.New("sip: endpoint shut down")

	// ErrUnknownCall is returned by Hangup for call IDs with no active call.
	ErrUnknownCall = errors.New("sip: unknown call")
)

// State is the registration lifecycle of an [Endpoint].
type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// Call end reasons reported to [CallHandler.OnCallEnd].
const (
	EndReasonRemoteBye   = "remote_bye"
	EndReasonLocalHangup = "local_hangup"
	EndReasonMediaError  = "media_error"
	EndReasonShutdown    = "shutdown"
)

const (
	registerTimeout     = 10 * time.Second
	maxRegisterBackoff  = 30 * time.Second
	inDialogByeTimeout  = 3 * time.Second
	deregisterTimeout   = 3 * time.Second
	defaultPBXPort      = 5060
	defaultRegExpiry    = 300 * time.Second
	defaultRegRetries   = 5
	defaultRegBackoff   = 2 * time.Second
	defaultUserAgent    = "voxline"
	allowedMethodsValue = "INVITE, ACK, BYE, CANCEL, OPTIONS"
)

// CallInfo describes one incoming call at the moment it is accepted.
type CallInfo struct {
	ID        string
	Caller    string
	Callee    string
	StartedAt time.Time
}

// CallHandler receives call lifecycle events from an [Endpoint].
//
// OnCallStart runs before the INVITE is answered; returning an error rejects
// the call with 486 Busy Here and nothing else happens for it. OnCallEnd is
// invoked exactly once per started call, after its media session stopped,
// regardless of who ended the call.
type CallHandler interface {
	OnCallStart(info CallInfo, media Media) error
	OnCallEnd(callID string, reason string)
}

// EndpointConfig carries the PBX account and local socket settings.
type EndpointConfig struct {
	// Domain is the PBX host the endpoint registers against.
	Domain string
	// Port is the PBX SIP port. Defaults to 5060. It is never a candidate
	// for local allocation.
	Port     int
	Username string
	Password string

	// LocalPortStart and LocalPortRange shape the sequential phase of local
	// port probing for both the signaling socket and per-call RTP sockets.
	LocalPortStart int
	LocalPortRange int

	RegisterExpiry     time.Duration
	RegisterMaxRetries int
	RegisterBackoff    time.Duration

	UserAgent string
}

func (c *EndpointConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = defaultPBXPort
	}
	if c.LocalPortStart <= 0 {
		c.LocalPortStart = DefaultPortStart
	}
	if c.LocalPortRange <= 0 {
		c.LocalPortRange = DefaultPortRange
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = defaultRegExpiry
	}
	if c.RegisterMaxRetries <= 0 {
		c.RegisterMaxRetries = defaultRegRetries
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = defaultRegBackoff
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
}

// Endpoint is one registered SIP identity. It owns the signaling socket,
// keeps the registration alive, auto-accepts incoming INVITEs and runs one
// [MediaSession] per call. A process may run several endpoints, each with its
// own sockets and state.
type Endpoint struct {
	cfg     EndpointConfig
	handler CallHandler
	log     *slog.Logger
	alloc   *PortAllocator
	metrics *observe.Metrics

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	binding *PortBinding
	localIP string

	state atomic.Int32

	regMu     sync.Mutex
	regCSeq   uint32
	regCallID string

	callMu sync.Mutex
	calls  map[string]*activeCall

	onRegistrationLost func(error)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type activeCall struct {
	info     CallInfo
	invite   *sip.Request
	localTag string
	media    *MediaSession
	inCall   atomic.Bool
	cseq     atomic.Uint32
}

// EndpointOption configures an [Endpoint].
type EndpointOption func(*Endpoint)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.log = l
	}
}

// WithPortAllocator substitutes the port allocator. The default excludes the
// PBX port from candidacy.
func WithPortAllocator(a *PortAllocator) EndpointOption {
	return func(e *Endpoint) {
		e.alloc = a
	}
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) EndpointOption {
	return func(e *Endpoint) {
		e.metrics = m
	}
}

// WithRegistrationLostHandler registers a callback fired when a registration
// refresh spends its whole retry budget. The endpoint is Unregistered at that
// point; calls already in progress keep running.
func WithRegistrationLostHandler(fn func(error)) EndpointOption {
	return func(e *Endpoint) {
		e.onRegistrationLost = fn
	}
}

// NewEndpoint creates an endpoint for one PBX account. Call [Endpoint.Start]
// to bind, register and begin accepting calls.
func NewEndpoint(cfg EndpointConfig, handler CallHandler, opts ...EndpointOption) (*Endpoint, error) {
	if cfg.Domain == "" {
		return nil, errors.New("sip: endpoint domain must be set")
	}
	if cfg.Username == "" {
		return nil, errors.New("sip: endpoint username must be set")
	}
	if handler == nil {
		return nil, errors.New("sip: endpoint call handler must be set")
	}
	cfg.applyDefaults()

	e := &Endpoint{
		cfg:       cfg,
		handler:   handler,
		log:       slog.Default(),
		calls:     make(map[string]*activeCall),
		regCallID: fmt.Sprintf("%08x%08x", rand.Uint32(), rand.Uint32()),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.alloc == nil {
		e.alloc = NewPortAllocator(cfg.Port,
			WithAllocatorLogger(e.log), WithAllocatorMetrics(e.metrics))
	}
	e.log = e.log.With("sip_user", cfg.Username, "sip_domain", cfg.Domain)
	return e, nil
}

// Start binds the signaling socket, brings up the SIP stack on it and
// registers against the PBX. It returns [ErrRegistrationFailed] once the
// capped retry budget is spent, after which the endpoint is shut down and
// must not be reused.
func (e *Endpoint) Start(ctx context.Context) error {
	if State(e.state.Load()) != StateUnregistered {
		return fmt.Errorf("sip: endpoint already started (state %s)", e.State())
	}

	binding, err := e.alloc.Allocate(e.cfg.LocalPortStart, e.cfg.LocalPortRange)
	if err != nil {
		return fmt.Errorf("sip: signaling port: %w", err)
	}
	e.binding = binding

	localIP, err := outboundIP(net.JoinHostPort(e.cfg.Domain, strconv.Itoa(e.cfg.Port)))
	if err != nil {
		binding.Release()
		return fmt.Errorf("sip: resolve local address: %w", err)
	}
	e.localIP = localIP

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.cfg.UserAgent))
	if err != nil {
		binding.Release()
		return fmt.Errorf("sip: user agent: %w", err)
	}
	e.ua = ua

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		e.closeStack()
		return fmt.Errorf("sip: server: %w", err)
	}
	e.srv = srv
	srv.OnInvite(e.onInvite)
	srv.OnAck(e.onAck)
	srv.OnBye(e.onBye)

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(localIP),
		sipgo.WithClientPort(binding.Port()),
	)
	if err != nil {
		e.closeStack()
		return fmt.Errorf("sip: client: %w", err)
	}
	e.client = client

	// Serving on the allocated socket keeps signaling symmetric: requests,
	// responses and the registration all use the one bound port.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ua.TransportLayer().ServeUDP(binding.Conn()); err != nil {
			if State(e.state.Load()) != StateShutDown {
				e.log.Error("signaling transport stopped", "error", err)
			}
		}
	}()

	e.state.Store(int32(StateRegistering))
	e.log.Info("registering", "local_port", binding.Port())

	if err := e.register(ctx); err != nil {
		e.Shutdown(context.Background())
		return err
	}

	e.wg.Add(1)
	go e.keepRegistered()

	e.log.Info("registered", "expiry", e.cfg.RegisterExpiry)
	return nil
}

// State reports the registration lifecycle state.
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// LocalPort returns the signaling port, or 0 before Start.
func (e *Endpoint) LocalPort() int {
	if e.binding == nil {
		return 0
	}
	return e.binding.Port()
}

// ActiveCalls returns a snapshot of calls currently in progress.
func (e *Endpoint) ActiveCalls() []CallInfo {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	out := make([]CallInfo, 0, len(e.calls))
	for _, ac := range e.calls {
		out = append(out, ac.info)
	}
	return out
}

// Hangup ends one call from our side: BYE to the peer, media stopped, ports
// released. Returns [ErrUnknownCall] when no such call is active.
func (e *Endpoint) Hangup(ctx context.Context, callID string) error {
	if State(e.state.Load()) == StateShutDown {
		return ErrShutDown
	}
	if !e.endCall(ctx, callID, EndReasonLocalHangup, true) {
		return ErrUnknownCall
	}
	return nil
}

// Shutdown deregisters best-effort, ends every active call, closes the SIP
// stack and releases the signaling port. Idempotent; later calls return
// immediately.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		wasRegistered := State(e.state.Load()) == StateRegistered
		e.state.Store(int32(StateShutDown))
		close(e.stopCh)

		e.callMu.Lock()
		ids := make([]string, 0, len(e.calls))
		for id := range e.calls {
			ids = append(ids, id)
		}
		e.callMu.Unlock()
		for _, id := range ids {
			e.endCall(ctx, id, EndReasonShutdown, true)
		}

		if wasRegistered {
			dctx, cancel := context.WithTimeout(ctx, deregisterTimeout)
			if err := e.registerOnce(dctx, 0); err != nil {
				e.log.Warn("deregister failed", "error", err)
			}
			cancel()
		}

		e.closeStack()
		if e.binding != nil {
			e.binding.Release()
		}
		e.wg.Wait()
		e.log.Info("endpoint shut down")
	})
	return nil
}

func (e *Endpoint) closeStack() {
	if e.srv != nil {
		e.srv.Close()
	}
	if e.ua != nil {
		e.ua.Close()
	}
}

// register runs REGISTER attempts with doubled, capped backoff until success
// or the retry budget is spent.
func (e *Endpoint) register(ctx context.Context) error {
	backoff := e.cfg.RegisterBackoff
	var lastErr error

	for attempt := 0; attempt <= e.cfg.RegisterMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return ErrShutDown
			}
			backoff *= 2
			if backoff > maxRegisterBackoff {
				backoff = maxRegisterBackoff
			}
			e.metrics.RecordRegistrationRetry(ctx)
			e.state.CompareAndSwap(int32(StateUnregistered), int32(StateRegistering))
		}

		actx, cancel := context.WithTimeout(ctx, registerTimeout)
		err := e.registerOnce(actx, int(e.cfg.RegisterExpiry.Seconds()))
		cancel()
		if err == nil {
			e.state.Store(int32(StateRegistered))
			return nil
		}
		lastErr = err
		// The registration is not live between a rejected or timed-out
		// attempt and the next one; report Unregistered for the backoff
		// window. CAS so a concurrent shutdown is never overwritten.
		e.state.CompareAndSwap(int32(StateRegistering), int32(StateUnregistered))
		e.state.CompareAndSwap(int32(StateRegistered), int32(StateUnregistered))
		e.log.Warn("register attempt failed", "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("%w after %d attempts: %w",
		ErrRegistrationFailed, e.cfg.RegisterMaxRetries+1, lastErr)
}

// registerOnce performs one REGISTER exchange, answering a 401 digest
// challenge when the PBX issues one. expires of 0 deregisters.
func (e *Endpoint) registerOnce(ctx context.Context, expires int) error {
	res, err := e.sendRegister(ctx, expires, "")
	if err != nil {
		return err
	}

	if res.StatusCode == sip.StatusUnauthorized {
		challenge := headerValue(res, "WWW-Authenticate")
		if challenge == "" {
			return errors.New("401 without WWW-Authenticate")
		}
		ch, err := parseDigestChallenge(challenge)
		if err != nil {
			return err
		}
		auth := digestAuthorization(ch, e.cfg.Username, e.cfg.Password,
			"REGISTER", "sip:"+e.cfg.Domain)
		res, err = e.sendRegister(ctx, expires, auth)
		if err != nil {
			return err
		}
	}

	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("register rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (e *Endpoint) sendRegister(ctx context.Context, expires int, authorization string) (*sip.Response, error) {
	e.regMu.Lock()
	e.regCSeq++
	cseq := e.regCSeq
	e.regMu.Unlock()

	recipient := sip.Uri{Host: e.cfg.Domain, Port: e.cfg.Port}
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{User: e.cfg.Username, Host: e.cfg.Domain}
	from := &sip.FromHeader{Address: aor, Params: sip.NewParams()}
	from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(e.regCallID + "@" + e.localIP)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		User: e.cfg.Username,
		Host: e.localIP,
		Port: e.binding.Port(),
	}})

	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)
	req.AppendHeader(sip.NewHeader("Allow", allowedMethodsValue))
	if authorization != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorization))
	}

	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}
	defer tx.Terminate()
	return awaitFinal(ctx, tx)
}

// keepRegistered refreshes the registration at half the expiry interval. A
// refresh that spends the whole retry budget flips the endpoint to
// Unregistered and notifies the registration-lost handler; in-progress calls
// keep running on their own sockets.
func (e *Endpoint) keepRegistered() {
	defer e.wg.Done()

	interval := e.cfg.RegisterExpiry / 2
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}

		if err := e.register(context.Background()); err != nil {
			if errors.Is(err, ErrShutDown) {
				return
			}
			e.state.Store(int32(StateUnregistered))
			e.log.Error("registration lost", "error", err)
			if e.onRegistrationLost != nil {
				e.onRegistrationLost(err)
			}
			return
		}
		e.log.Debug("registration refreshed")
		timer.Reset(interval)
	}
}

// onInvite auto-accepts an incoming call: 100 Trying, RTP port allocation,
// handler admission, then 180 Ringing and 200 OK with the SDP answer. There
// is no ring-wait; acceptance is immediate.
func (e *Endpoint) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	callID := req.CallID().Value()
	caller := req.From().Address.String()
	log := e.log.With("call_id", callID, "caller", caller)

	if State(e.state.Load()) == StateShutDown {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil))
		return
	}

	offer, err := parseOffer(req.Body())
	if err != nil {
		log.Warn("invite rejected, bad sdp", "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	rtpBinding, err := e.alloc.Allocate(e.cfg.LocalPortStart, e.cfg.LocalPortRange)
	if err != nil {
		log.Error("invite rejected, no media port", "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil))
		return
	}

	codec := offer.pick()
	media := newMediaSession(callID, rtpBinding, codec, offer.remoteAddr, func(mediaErr error) {
		// Socket trouble on one call never touches the endpoint or its
		// other calls.
		log.Warn("media failure, ending call", "error", mediaErr)
		e.endCall(context.Background(), callID, EndReasonMediaError, true)
	}, log)

	ac := &activeCall{
		info: CallInfo{
			ID:        callID,
			Caller:    caller,
			Callee:    req.To().Address.String(),
			StartedAt: time.Now(),
		},
		invite:   req,
		localTag: newTag(),
		media:    media,
	}

	e.callMu.Lock()
	if _, exists := e.calls[callID]; exists {
		e.callMu.Unlock()
		media.stop()
		log.Warn("invite rejected, call id already active")
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil))
		return
	}
	e.calls[callID] = ac
	e.callMu.Unlock()

	if err := e.handler.OnCallStart(ac.info, media); err != nil {
		e.removeCall(callID)
		media.stop()
		log.Warn("invite rejected by call handler", "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil))
		return
	}

	answer, err := buildAnswer(e.localIP, rtpBinding.Port(), codec)
	if err != nil {
		e.removeCall(callID)
		media.stop()
		e.handler.OnCallEnd(callID, EndReasonMediaError)
		log.Error("sdp answer failed", "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil))
		return
	}

	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil))

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	if to := ok.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", ac.localTag)
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		User: e.cfg.Username,
		Host: e.localIP,
		Port: e.binding.Port(),
	}})
	if err := tx.Respond(ok); err != nil {
		e.removeCall(callID)
		media.stop()
		e.handler.OnCallEnd(callID, EndReasonMediaError)
		log.Error("sending 200 failed", "error", err)
		return
	}

	media.start()
	log.Info("call accepted", "codec", codec.Name(), "rtp_port", rtpBinding.Port())
}

// onAck confirms the dialog; the call is fully established from here.
func (e *Endpoint) onAck(req *sip.Request, _ sip.ServerTransaction) {
	callID := req.CallID().Value()
	e.callMu.Lock()
	ac, ok := e.calls[callID]
	e.callMu.Unlock()
	if ok && !ac.inCall.Swap(true) {
		e.log.Debug("call established", "call_id", callID)
	}
}

// onBye handles the caller hanging up.
func (e *Endpoint) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	e.endCall(context.Background(), callID, EndReasonRemoteBye, false)
}

// endCall removes, tears down and reports one call. The map removal under
// lock makes concurrent end paths (BYE, media error, local hangup, shutdown)
// collapse to a single teardown. Reports whether this invocation won.
func (e *Endpoint) endCall(ctx context.Context, callID string, reason string, sendBye bool) bool {
	e.callMu.Lock()
	ac, ok := e.calls[callID]
	if ok {
		delete(e.calls, callID)
	}
	e.callMu.Unlock()
	if !ok {
		return false
	}

	if sendBye {
		if err := e.sendBye(ctx, ac); err != nil {
			e.log.Debug("bye not delivered", "call_id", callID, "error", err)
		}
	}
	ac.media.stop()
	e.handler.OnCallEnd(callID, reason)
	e.log.Info("call ended", "call_id", callID, "reason", reason,
		"duration", time.Since(ac.info.StartedAt).Round(time.Millisecond))
	return true
}

func (e *Endpoint) removeCall(callID string) {
	e.callMu.Lock()
	delete(e.calls, callID)
	e.callMu.Unlock()
}

// sendBye issues an in-dialog BYE built from the stored INVITE: our To
// identity becomes From with the local tag, the caller's From becomes To with
// their tag, and the request goes back to the address the INVITE came from.
func (e *Endpoint) sendBye(ctx context.Context, ac *activeCall) error {
	target := ac.invite.From().Address
	if contact := ac.invite.Contact(); contact != nil {
		target = contact.Address
	}

	req := sip.NewRequest(sip.BYE, *target.Clone())
	req.SetDestination(ac.invite.Source())

	from := &sip.FromHeader{Address: ac.invite.To().Address, Params: sip.NewParams()}
	from.Params.Add("tag", ac.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{
		Address: ac.invite.From().Address,
		Params:  ac.invite.From().Params,
	})

	callID := sip.CallIDHeader(ac.info.ID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: ac.cseq.Add(1), MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	bctx, cancel := context.WithTimeout(ctx, inDialogByeTimeout)
	defer cancel()
	tx, err := e.client.TransactionRequest(bctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()
	_, err = awaitFinal(bctx, tx)
	return err
}

// awaitFinal drains provisional responses and returns the first final one.
func awaitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errors.New("transaction closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			return nil, errors.New("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// headerValue returns the first value of a named header, or "".
func headerValue(res *sip.Response, name string) string {
	headers := res.GetHeaders(name)
	if len(headers) == 0 {
		return ""
	}
	return headers[0].Value()
}

// outboundIP learns which local interface routes toward the PBX. No packets
// are sent; UDP dial only resolves the route.
func outboundIP(target string) (string, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func newTag() string {
	return fmt.Sprintf("%08x", rand.Uint32())
}
