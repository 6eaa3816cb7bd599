// Package dispatchclient runs the client side of a session: it keeps the
// connection pumps alive, applies incoming messages to the local world and
// reports the position of the local train.
package dispatchclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/railsim/railparty/internal/protocol"
	"github.com/railsim/railparty/internal/transport"
	"github.com/railsim/railparty/internal/world"
)

type sendChPayload struct {
	body  string
	errCh chan error
}

type Client struct {
	conn transport.Conn

	logger *log.Logger

	self    string
	version int

	world *world.World
	state *protocol.SessionState
	pctx  *protocol.Context

	sendCh chan sendChPayload
	recvCh chan protocol.Message

	sendTimeout time.Duration
	joinTimeout time.Duration

	aliveInterval time.Duration

	// closed by the apply loop once the server confirmed the join
	connectedCh chan struct{}

	// fatal session outcome, set once by the apply loop
	doneMu  sync.Mutex
	doneErr error
	doneCh  chan struct{}
}

func NewClient(conn transport.Conn, w *world.World, self string, version int, logger *log.Logger) *Client {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	state := protocol.NewSessionState()

	c := &Client{
		conn: conn,

		logger: logger,

		self:    self,
		version: version,

		world: w,
		state: state,

		sendCh: make(chan sendChPayload),
		recvCh: make(chan protocol.Message, 64),

		sendTimeout:   time.Second,
		joinTimeout:   10 * time.Second,
		aliveInterval: 5 * time.Second,

		connectedCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	c.pctx = &protocol.Context{
		World:   w,
		Self:    self,
		Role:    world.RoleClient,
		Version: version,
		Bus:     c,
		State:   state,
		Logger:  logger,
	}
	return c
}

// State exposes the session flags the caller consumes: connectedness, the
// aider flag and the role handoff outcome.
func (c *Client) State() *protocol.SessionState { return c.state }

// Done is closed when the session ended. Err reports why.
func (c *Client) Done() <-chan struct{} { return c.doneCh }

func (c *Client) Err() error {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	return c.doneErr
}

func (c *Client) finish(err error) {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	if c.doneErr != nil {
		return
	}
	c.doneErr = err
	close(c.doneCh)
}

func (c *Client) runSendCh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.sendCh:
			err := c.conn.WriteFrame(payload.body)
			if err != nil {
				c.logger.Error().Msgf("could not write: %v", err)
			}
			payload.errCh <- err
			close(payload.errCh)
		}
	}
}

func (c *Client) runRecvCh(ctx context.Context) {
	for {
		body, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Error().Msgf("could not read: %v", err)
				c.finish(err)
			}
			return
		}
		msg, err := protocol.Decode(body)
		if err != nil {
			c.logger.Error().Msgf("could not decode message: %v", err)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case c.recvCh <- msg:
		}
	}
}

func (c *Client) runKeepAlive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.aliveInterval):
			c.sendMessage(&protocol.Alive{User: c.self})
		}
	}
}

// runApply drains the receive channel and applies each message to the local
// world. Everything that mutates world state happens on this goroutine,
// including the dispatcher duties after a role handoff.
func (c *Client) runApply(ctx context.Context) {
	var dutyCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-dutyCh:
			c.dispatcherDuties()
		case msg := <-c.recvCh:
			err := msg.Apply(c.pctx)
			if err == nil {
				if c.state.Connected {
					select {
					case <-c.connectedCh:
					default:
						close(c.connectedCh)
					}
				}
				if c.state.PromoteSelf && c.pctx.Role != world.RoleServer {
					// act authoritatively from the next message on and
					// take over the periodic differential broadcasts
					c.pctx.Role = world.RoleServer
					duty := time.NewTicker(c.state.UpdateInterval)
					defer duty.Stop()
					dutyCh = duty.C
					c.logger.Info().Msg("promoted to dispatcher")
				}
				continue
			}
			var fatal *protocol.FatalError
			if errors.As(err, &fatal) {
				if fatal.Expected {
					c.logger.Info().Msgf("session over: %v", err)
				} else {
					c.logger.Error().Msgf("session failed: %v", err)
				}
				c.finish(err)
				return
			}
			c.logger.Error().Msgf("could not apply %s: %v", msg.Keyword(), err)
		}
	}
}

// dispatcherDuties is the promoted client's share of the server work: push
// the switch and signal snapshots through the relay when they changed, then
// sweep removed trains.
func (c *Client) dispatcherDuties() {
	now := time.Now()
	if msg, err := protocol.NewSwitchStates(c.world, c.state, now); err == nil && msg.OK {
		c.sendMessage(msg)
	}
	if msg, err := protocol.NewSignalStates(c.world, c.state, now); err == nil && msg.OK {
		c.sendMessage(msg)
	}
	c.world.SweepRemoved()
}

func (c *Client) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runSendCh(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runRecvCh(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runKeepAlive(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runApply(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-c.doneCh:
	}
	closeErr := c.conn.Close()
	wg.Wait()
	return closeErr
}

func (c *Client) sendMessage(m protocol.Message) <-chan error {
	errCh := make(chan error, 1)
	select {
	case c.sendCh <- sendChPayload{body: protocol.Encode(m), errCh: errCh}:
	case <-time.After(c.sendTimeout):
		errCh <- fmt.Errorf("send queue stalled")
		close(errCh)
	}
	return errCh
}

// Join is blocking: it announces the local player and waits until the
// server's echo confirms the session.
func (c *Client) Join(ctx context.Context) error {
	p := c.world.FindPlayer(c.self)
	if p == nil {
		return fmt.Errorf("local player %s is not in the world", c.self)
	}
	join := protocol.NewPlayerJoin(p, p.Train, c.version, c.world)
	if err := <-c.sendMessage(join); err != nil {
		return fmt.Errorf("could not send join: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		if err := c.Err(); err != nil {
			return fmt.Errorf("session ended during join: %w", err)
		}
		return fmt.Errorf("session ended during join")
	case <-time.After(c.joinTimeout):
		return fmt.Errorf("timed out waiting for join confirmation")
	case <-c.connectedCh:
		return nil
	}
}

// ReportMove sends the local train's position when it is worth sending. A
// train that stopped still goes out once so the others see the speed drop to
// zero; after that it stays quiet until it moves again.
func (c *Client) ReportMove() {
	t := c.world.FindPlayerTrain(c.self)
	if t == nil || !t.WorthReporting() {
		return
	}
	move := &protocol.Move{}
	move.AddTrain(c.self, t)
	c.sendMessage(move)
}

// Broadcast on a client is a send to the server, which relays.
func (c *Client) Broadcast(m protocol.Message) error {
	return <-c.sendMessage(m)
}

func (c *Client) SendTo(user string, m protocol.Message) error {
	_ = user // the server does the routing
	return <-c.sendMessage(m)
}

func (c *Client) SendToServer(m protocol.Message) error {
	return <-c.sendMessage(m)
}
