// Package dispatchserver runs the authoritative side of a session: it
// accepts client connections, applies every message to the shared world on a
// single loop goroutine and drives the periodic differential broadcasts.
package dispatchserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/railsim/railparty/internal/protocol"
	"github.com/railsim/railparty/internal/transport"
	"github.com/railsim/railparty/internal/world"
)

type peerKey uint64

func makePeerKey(addr net.Addr) peerKey {
	return peerKey(xxhash.Sum64String(addr.String()))
}

type peer struct {
	key      peerKey
	conn     transport.Conn
	user     string
	joined   bool
	lastSeen time.Time
}

type inbound struct {
	peer *peer
	msg  protocol.Message
}

type Config struct {
	// Name is the dispatcher's player name on the wire.
	Name    string
	Version int

	UpdateInterval time.Duration
	AliveInterval  time.Duration
}

type Server struct {
	listener net.Listener
	wsServer *http.Server

	logger *log.Logger

	cfg   Config
	world *world.World
	state *protocol.SessionState
	pctx  *protocol.Context

	mu    sync.Mutex
	peers map[peerKey]*peer
	// player currently holding the dispatcher role; empty while this
	// process decides for itself
	dispatcher string

	inCh    chan inbound
	leaveCh chan *peer
}

// okToSender is implemented by messages that may decline a broadcast slot.
type okToSender interface {
	OKToSend() bool
}

func NewServer(address, wsAddress string, w *world.World, cfg Config, logger *log.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	if cfg.AliveInterval <= 0 {
		cfg.AliveInterval = 10 * time.Second
	}

	state := protocol.NewSessionState()
	state.UpdateInterval = cfg.UpdateInterval
	state.DispatcherName = cfg.Name

	s := &Server{
		listener: listener,
		logger:   logger,
		cfg:      cfg,
		world:    w,
		state:    state,
		peers:    make(map[peerKey]*peer),
		inCh:     make(chan inbound, 256),
		leaveCh:  make(chan *peer, 16),
	}
	s.pctx = &protocol.Context{
		World:   w,
		Self:    cfg.Name,
		Role:    world.RoleServer,
		Version: cfg.Version,
		Bus:     s,
		State:   state,
		Logger:  logger,
	}
	if err := state.RememberSwitchBaseline(w); err != nil {
		logger.Warn().Msgf("could not remember switch baseline: %v", err)
	}

	if wsAddress != "" {
		upgrader := &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/session", func(rw http.ResponseWriter, r *http.Request) {
			wsConn, err := upgrader.Upgrade(rw, r, nil)
			if err != nil {
				logger.Error().Msgf("could not upgrade websocket: %v", err)
				return
			}
			s.addPeer(transport.NewWSConn(wsConn))
		})
		s.wsServer = &http.Server{Addr: wsAddress, Handler: mux}
	}

	return s, nil
}

// PromotePlayer hands the dispatcher role to a connected player. The process
// keeps relaying traffic and admitting joins, but authority-bound requests
// are forwarded to the promoted player from here on.
func (s *Server) PromotePlayer(user string) error {
	if err := s.SendTo(user, &protocol.ServerHandoff{User: protocol.HandoffYou}); err != nil {
		return fmt.Errorf("could not promote %s: %w", user, err)
	}
	s.mu.Lock()
	s.dispatcher = user
	s.mu.Unlock()
	s.logger.Info().Msgf("dispatcher role handed to %s", user)
	return s.send(&protocol.ServerHandoff{User: user}, func(p *peer) bool { return p.user != user })
}

func (s *Server) dispatcherUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// Addr can be useful to retrieve the server's address when it was
// constructed with ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runAccept(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runLoop(ctx)
	}()

	if s.wsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Msgf("websocket server stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()

	// tell everyone to carry on alone before the connections drop
	if err := s.Broadcast(protocol.NewServerQuit(s.cfg.Name)); err != nil {
		s.logger.Warn().Msgf("could not announce shutdown: %v", err)
	}

	closeErr := s.listener.Close()
	if s.wsServer != nil {
		_ = s.wsServer.Close()
	}
	s.mu.Lock()
	for _, p := range s.peers {
		_ = p.conn.Close()
	}
	s.mu.Unlock()

	wg.Wait()
	return closeErr
}

func (s *Server) runAccept(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error().Msgf("could not accept: %v", err)
			continue
		}
		s.addPeer(transport.NewTCPConn(conn))
	}
}

func (s *Server) addPeer(conn transport.Conn) {
	p := &peer{
		key:      makePeerKey(conn.RemoteAddr()),
		conn:     conn,
		lastSeen: time.Now(),
	}
	s.mu.Lock()
	s.peers[p.key] = p
	s.mu.Unlock()

	s.logger.Debug().Msgf("peer connected: %s", conn.RemoteAddr())
	go s.servePeer(p)
}

// servePeer is the per-connection read pump. Decoded messages are handed to
// the loop goroutine; the pump itself never touches the world.
func (s *Server) servePeer(p *peer) {
	for {
		body, err := p.conn.ReadFrame()
		if err != nil {
			s.leaveCh <- p
			return
		}
		msg, err := protocol.Decode(body)
		if err != nil {
			s.logger.Error().Msgf("could not decode message from %s: %v", p.conn.RemoteAddr(), err)
			continue
		}
		s.inCh <- inbound{peer: p, msg: msg}
	}
}

func (s *Server) runLoop(ctx context.Context) {
	update := time.NewTicker(s.cfg.UpdateInterval)
	defer update.Stop()
	alive := time.NewTicker(s.cfg.AliveInterval)
	defer alive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inCh:
			s.handle(in)
		case p := <-s.leaveCh:
			s.dropPeer(p)
		case <-update.C:
			s.broadcastUpdates()
		case <-alive.C:
			_ = s.Broadcast(&protocol.Alive{User: s.cfg.Name})
			s.evictStale()
		}
	}
}

func (s *Server) handle(in inbound) {
	// peer identity fields are read by broadcasts from other goroutines
	s.mu.Lock()
	in.peer.lastSeen = time.Now()
	joined := in.peer.joined
	s.mu.Unlock()

	if !joined {
		join, ok := in.msg.(*protocol.PlayerJoin)
		if !ok {
			s.logger.Warn().Msgf("peer %s spoke before joining, dropping", in.peer.conn.RemoteAddr())
			_ = in.peer.conn.Close()
			return
		}
		// register the name first so the join reply can be addressed
		s.mu.Lock()
		in.peer.user = join.User
		in.peer.joined = true
		s.mu.Unlock()
	}

	if dispatcher := s.dispatcherUser(); dispatcher != "" && s.routeDeferred(in, dispatcher) {
		return
	}

	if err := in.msg.Apply(s.pctx); err != nil {
		var fatal *protocol.FatalError
		if errors.As(err, &fatal) {
			s.logger.Warn().Msgf("dropping %s: %v", in.peer.user, err)
			// tell the offender why before cutting it off; the notice
			// must not reach an innocent player with the same name
			notice := protocol.NewNotice(in.peer.user, protocol.LevelError, fatal.Reason)
			_ = in.peer.conn.WriteFrame(protocol.Encode(notice))
			// unbind the name so the disconnect does not evict a
			// legitimate player who already owns it
			s.mu.Lock()
			in.peer.user = ""
			in.peer.joined = false
			s.mu.Unlock()
			_ = in.peer.conn.Close()
			return
		}
		if errors.Is(err, protocol.ErrOperationAborted) {
			s.logger.Debug().Msgf("ignored %s from %s: %v", in.msg.Keyword(), in.peer.user, err)
			return
		}
		s.logger.Error().Msgf("could not apply %s from %s: %v", in.msg.Keyword(), in.peer.user, err)
		return
	}

	// messages whose Apply only mutates the world still have to reach the
	// other clients
	switch in.msg.Keyword() {
	case protocol.KeywordMove, protocol.KeywordCouple, protocol.KeywordTrain,
		protocol.KeywordUpdateTrain, protocol.KeywordRemoveTrain, protocol.KeywordWeather:
		if err := s.broadcastExcept(in.peer.key, in.msg); err != nil {
			s.logger.Warn().Msgf("could not relay %s: %v", in.msg.Keyword(), err)
		}
	}
}

// routeDeferred relays instead of deciding once the dispatcher role was
// handed off: authority-bound requests go to the promoted player, and the
// promoted player's verdicts and snapshots fan out to everyone else. It
// reports whether the message was consumed.
func (s *Server) routeDeferred(in inbound, dispatcher string) bool {
	fromDispatcher := in.peer.user == dispatcher
	switch in.msg.Keyword() {
	case protocol.KeywordSwitch, protocol.KeywordResetSignal,
		protocol.KeywordGetTrain, protocol.KeywordControl:
		if fromDispatcher {
			if err := s.broadcastExcept(in.peer.key, in.msg); err != nil {
				s.logger.Warn().Msgf("could not relay %s verdict: %v", in.msg.Keyword(), err)
			}
			return true
		}
		if err := s.SendTo(dispatcher, in.msg); err != nil {
			s.logger.Warn().Msgf("could not forward %s to dispatcher: %v", in.msg.Keyword(), err)
		}
		return true
	case protocol.KeywordSwitchStates, protocol.KeywordSignalStates, protocol.KeywordOrgSwitch:
		if fromDispatcher {
			if err := s.broadcastExcept(in.peer.key, in.msg); err != nil {
				s.logger.Warn().Msgf("could not relay %s: %v", in.msg.Keyword(), err)
			}
			return true
		}
	case protocol.KeywordMessage:
		if fromDispatcher {
			if notice, ok := in.msg.(*protocol.Notice); ok && notice.User != protocol.RecipientAll {
				if err := s.SendTo(notice.User, in.msg); err != nil {
					s.logger.Warn().Msgf("could not deliver notice to %s: %v", notice.User, err)
				}
				return true
			}
			if err := s.broadcastExcept(in.peer.key, in.msg); err != nil {
				s.logger.Warn().Msgf("could not relay notice: %v", err)
			}
			return true
		}
	}
	return false
}

func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.key)
	s.mu.Unlock()
	_ = p.conn.Close()

	if p.user == "" {
		return
	}
	s.mu.Lock()
	if s.dispatcher == p.user {
		// the promoted dispatcher left, this process decides again
		s.dispatcher = ""
	}
	s.mu.Unlock()
	s.logger.Info().Msgf("player %s disconnected", p.user)
	if left := s.world.RemovePlayer(p.user); left != nil && left.Train != nil {
		left.Train.Type = world.TrainTypeStatic
	}
	if err := s.Broadcast(&protocol.Quit{User: p.user}); err != nil {
		s.logger.Warn().Msgf("could not announce quit of %s: %v", p.user, err)
	}
}

func (s *Server) evictStale() {
	deadline := time.Now().Add(-3 * s.cfg.AliveInterval)
	s.mu.Lock()
	var stale []*peer
	for _, p := range s.peers {
		if p.lastSeen.Before(deadline) {
			stale = append(stale, p)
		}
	}
	s.mu.Unlock()
	for _, p := range stale {
		s.logger.Debug().Msgf("evicting silent peer %s", p.conn.RemoteAddr())
		// the read pump notices the close and reports the leave
		_ = p.conn.Close()
	}
}

// broadcastUpdates is the once-per-interval differential push: train
// kinematics for everything the dispatcher owns, plus switch and signal
// snapshots when they changed.
func (s *Server) broadcastUpdates() {
	now := time.Now()

	move := &protocol.Move{}
	for _, t := range s.world.Trains() {
		if !t.WorthReporting() {
			continue
		}
		switch t.Type {
		case world.TrainTypePlayer:
			move.AddTrain(s.cfg.Name, t)
		case world.TrainTypeAI:
			move.AddTrain(protocol.PrefixAI+strconv.Itoa(t.Number), t)
		}
	}
	if err := s.Broadcast(move); err != nil {
		s.logger.Warn().Msgf("could not broadcast train positions: %v", err)
	}

	// after a handoff the promoted player owns the snapshots
	if s.dispatcherUser() == "" {
		if msg, err := protocol.NewSwitchStates(s.world, s.state, now); err == nil {
			if err := s.Broadcast(msg); err != nil {
				s.logger.Warn().Msgf("could not broadcast switch states: %v", err)
			}
		}
		if msg, err := protocol.NewSignalStates(s.world, s.state, now); err == nil {
			if err := s.Broadcast(msg); err != nil {
				s.logger.Warn().Msgf("could not broadcast signal states: %v", err)
			}
		}
	}

	s.world.SweepRemoved()
}

// Broadcast sends to every joined peer. Partial failures are aggregated and
// never stop delivery to the remaining peers.
func (s *Server) Broadcast(m protocol.Message) error {
	return s.send(m, func(*peer) bool { return true })
}

func (s *Server) broadcastExcept(key peerKey, m protocol.Message) error {
	return s.send(m, func(p *peer) bool { return p.key != key })
}

// SendTo delivers to a single named player.
func (s *Server) SendTo(user string, m protocol.Message) error {
	if gate, ok := m.(okToSender); ok && !gate.OKToSend() {
		return nil
	}
	s.mu.Lock()
	var target *peer
	for _, p := range s.peers {
		if p.joined && p.user == user {
			target = p
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("no such player: %s", user)
	}
	return target.conn.WriteFrame(protocol.Encode(m))
}

// SendToServer on the server applies the message locally.
func (s *Server) SendToServer(m protocol.Message) error {
	return m.Apply(s.pctx)
}

func (s *Server) send(m protocol.Message, want func(*peer) bool) error {
	if gate, ok := m.(okToSender); ok && !gate.OKToSend() {
		return nil
	}
	body := protocol.Encode(m)

	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.joined && want(p) {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	var errs error
	for _, p := range targets {
		if err := p.conn.WriteFrame(body); err != nil {
			s.logger.Error().Msgf("could not send %s to %s: %v", m.Keyword(), p.user, err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
