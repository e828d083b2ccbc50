// Package sip implements telephony.Server as a SIP user agent server with
// RTP media.
//
// Signalling is handled by sipgo: incoming INVITEs are answered through a
// dialog cache so that BYE in either direction is routed to the right call.
// The SDP offer is parsed and answered with pion/sdp, and audio is carried in
// RTP packets built by pion/rtp. Each call's answer/hangup commands run on
// the goroutine sipgo dispatched the INVITE on.
//
// An optional [Registrar] keeps the user agent registered with a SIP
// registrar so that calls to the configured account are routed here.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// DefaultUserAgent is sent in the User-Agent header.
const DefaultUserAgent = "callbridge"

// Config configures a [Server].
type Config struct {
	// ListenAddr is the UDP address for SIP, e.g. "0.0.0.0:5060".
	ListenAddr string

	// PublicIP is advertised in Contact and SDP. Defaults to the listen host,
	// or the first non-loopback interface address when that is unspecified.
	PublicIP string

	// RTPPortMin and RTPPortMax bound the media ports. Zero lets the kernel
	// choose.
	RTPPortMin int
	RTPPortMax int

	// Codecs is the answer priority. Defaults to PCMA, PCMU.
	Codecs []codec.ID

	// User is the local account name used in Contact and REGISTER.
	User string

	// Password, Registrar and RegisterExpiry enable registration when
	// Registrar is non-empty.
	Password       string
	Registrar      string
	RegisterExpiry time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithAdmission installs a gate consulted for every INVITE before media is
// allocated.
func WithAdmission(a telephony.Admission) Option {
	return func(s *Server) { s.admission = a }
}

// WithLogger sets the server logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is a SIP user agent server. It implements telephony.Server.
type Server struct {
	cfg       Config
	publicIP  string
	bindIP    net.IP
	admission telephony.Admission
	log       *slog.Logger

	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	dialogs   *sipgo.DialogServerCache
	registrar *Registrar

	calls  chan telephony.Call
	active atomic.Int32

	mu   sync.Mutex
	ctx  context.Context
	wg   sync.WaitGroup
	once sync.Once
}

var _ telephony.Server = (*Server)(nil)

// NewServer creates the user agent and registers its request handlers. Call
// [Server.ListenAndServe] to start receiving calls.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("sip: listen address %q: %w", cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("sip: listen port %q: %w", portStr, err)
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []codec.ID{codec.PCMA, codec.PCMU}
	}
	if cfg.User == "" {
		cfg.User = DefaultUserAgent
	}

	s := &Server{
		cfg:    cfg,
		bindIP: net.ParseIP(host),
		log:    slog.Default(),
		calls:  make(chan telephony.Call),
		ctx:    context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	s.publicIP = cfg.PublicIP
	if s.publicIP == "" {
		s.publicIP = advertisedIP(s.bindIP)
	}

	s.ua, err = sipgo.NewUA(sipgo.WithUserAgent(DefaultUserAgent))
	if err != nil {
		return nil, fmt.Errorf("sip: create user agent: %w", err)
	}
	s.srv, err = sipgo.NewServer(s.ua)
	if err != nil {
		return nil, fmt.Errorf("sip: create server: %w", err)
	}
	s.client, err = sipgo.NewClient(s.ua, sipgo.WithClientHostname(s.publicIP))
	if err != nil {
		return nil, fmt.Errorf("sip: create client: %w", err)
	}

	contact := sipmsg.ContactHeader{
		Address: sipmsg.Uri{User: cfg.User, Host: s.publicIP, Port: port},
	}
	s.dialogs = sipgo.NewDialogServerCache(s.client, contact)

	if cfg.Registrar != "" {
		s.registrar, err = NewRegistrar(s.client, RegistrarConfig{
			Registrar: cfg.Registrar,
			User:      cfg.User,
			Password:  cfg.Password,
			Contact:   contact,
			Expiry:    cfg.RegisterExpiry,
			Logger:    s.log,
		})
		if err != nil {
			return nil, err
		}
	}

	s.srv.OnInvite(s.onInvite)
	s.srv.OnAck(s.onAck)
	s.srv.OnBye(s.onBye)
	s.srv.OnOptions(s.onOptions)
	return s, nil
}

// Calls implements telephony.Server.
func (s *Server) Calls() <-chan telephony.Call { return s.calls }

// ActiveCalls returns the number of calls currently being served.
func (s *Server) ActiveCalls() int { return int(s.active.Load()) }

// Registrar returns the registration keeper, or nil when not configured.
func (s *Server) Registrar() *Registrar { return s.registrar }

// ListenAndServe serves SIP on the configured address until ctx is
// cancelled. Active calls are hung up on shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.srv.ListenAndServe(gctx, "udp", s.cfg.ListenAddr)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("sip: listen %s: %w", s.cfg.ListenAddr, err)
		}
		return nil
	})
	if s.registrar != nil {
		g.Go(func() error { return s.registrar.Run(gctx) })
	}
	s.log.Info("sip server listening", "addr", s.cfg.ListenAddr, "public_ip", s.publicIP)

	err := g.Wait()
	s.wg.Wait()
	return err
}

// Close releases the user agent. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ua.Close()
	})
	return err
}

func (s *Server) serveCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) onInvite(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	callID := req.CallID().Value()
	caller := req.From().Address.String()
	log := s.log.With("call_id", callID, "caller", caller)
	log.Info("incoming call")

	respond := func(code sipmsg.StatusCode, reason string) {
		res := sipmsg.NewResponseFromRequest(req, code, reason, nil)
		if err := tx.Respond(res); err != nil {
			log.Warn("sip respond failed", "status", int(code), "err", err)
		}
	}
	respond(statusTrying, "Trying")

	if s.admission != nil {
		if err := s.admission(caller); err != nil {
			code, reason := telephony.RejectFor(err)
			log.Info("call rejected", "status", code, "reason", reason)
			respond(sipmsg.StatusCode(code), reason)
			return
		}
	}

	offer, err := ParseOffer(req.Body())
	if err != nil {
		log.Warn("bad sdp offer", "err", err)
		respond(statusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	chosen, err := Negotiate(offer, s.cfg.Codecs)
	if err != nil {
		log.Warn("codec negotiation failed", "offered", len(offer.Codecs), "err", err)
		respond(statusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	conn, err := listenRTP(s.bindIP, s.cfg.RTPPortMin, s.cfg.RTPPortMax)
	if err != nil {
		log.Error("allocate rtp port", "err", err)
		respond(statusServerError, "Server Internal Error")
		return
	}
	media := newMediaStream(conn, offer.Addr, chosen.ID, log)

	answer, err := BuildAnswer(s.publicIP, media.LocalPort(), chosen, offer.Ptime, uint64(time.Now().Unix()))
	if err != nil {
		_ = conn.Close()
		log.Error("build sdp answer", "err", err)
		respond(statusServerError, "Server Internal Error")
		return
	}

	dlg, err := s.dialogs.ReadInvite(req, tx)
	if err != nil {
		_ = conn.Close()
		log.Error("create dialog", "err", err)
		respond(statusServerError, "Server Internal Error")
		return
	}
	defer func() { _ = dlg.Close() }()

	sig := newDialogSignaling(dlg, tx)
	defer sig.stop()

	media.start()
	c := newCall(callID, caller, chosen.ID, offer.Ptime, answer, sig, media, log)
	log.Info("call offered", "codec", chosen.ID.String(), "rtp_port", media.LocalPort(), "ptime", offer.Ptime)

	ctx := s.serveCtx()
	s.wg.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.wg.Done()
	}()

	// Commands issued by the consumer queue on c.cmds until serve runs.
	go func() {
		select {
		case s.calls <- c:
		case <-c.done:
		case <-ctx.Done():
		}
	}()
	c.serve(ctx)
}

func (s *Server) onAck(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	if err := s.dialogs.ReadAck(req, tx); err != nil {
		s.log.Debug("ack outside dialog", "call_id", req.CallID().Value(), "err", err)
	}
}

func (s *Server) onBye(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	if err := s.dialogs.ReadBye(req, tx); err != nil {
		s.log.Debug("bye outside dialog", "call_id", req.CallID().Value(), "err", err)
		res := sipmsg.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
	}
}

func (s *Server) onOptions(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	res := sipmsg.NewResponseFromRequest(req, statusOK, "OK", nil)
	_ = tx.Respond(res)
}

// dialogSignaling adapts a sipgo dialog to the signaling interface.
type dialogSignaling struct {
	dlg      *sipgo.DialogServerSession
	tx       sipmsg.ServerTransaction
	accepted atomic.Bool
	gone     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func newDialogSignaling(dlg *sipgo.DialogServerSession, tx sipmsg.ServerTransaction) *dialogSignaling {
	d := &dialogSignaling{
		dlg:  dlg,
		tx:   tx,
		gone: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go d.watch()
	return d
}

func (d *dialogSignaling) watch() {
	defer close(d.gone)
	select {
	case <-d.dlg.Context().Done():
		return
	case <-d.quit:
		return
	case <-d.tx.Done():
	}
	// An INVITE transaction ends after the final response. Before that it
	// only ends if the caller gave up.
	if !d.accepted.Load() {
		return
	}
	select {
	case <-d.dlg.Context().Done():
	case <-d.quit:
	}
}

func (d *dialogSignaling) ringing() error {
	return d.dlg.Respond(statusRinging, "Ringing", nil)
}

func (d *dialogSignaling) accept(sdp []byte) error {
	d.accepted.Store(true)
	if err := d.dlg.RespondSDP(sdp); err != nil {
		d.accepted.Store(false)
		return err
	}
	return nil
}

func (d *dialogSignaling) reject(code int, reason string) error {
	return d.dlg.Respond(sipmsg.StatusCode(code), reason, nil)
}

func (d *dialogSignaling) bye(ctx context.Context) error {
	return d.dlg.Bye(ctx)
}

func (d *dialogSignaling) ended() <-chan struct{} { return d.gone }

func (d *dialogSignaling) stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

// advertisedIP picks an address to put in Contact and SDP.
func advertisedIP(bind net.IP) string {
	if bind != nil && !bind.IsUnspecified() {
		return bind.String()
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
