// Package chat implements the chat engine: the framed-message
// Connection, the client Registry, and the Server that wires the codec,
// queue, and reactor packages together into the two-stage
// ingress-reactor → processor → egress-reactor pipeline described in
// spec §2 and §4.5.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/andy6609/chatserver/internal/codec"
	"github.com/andy6609/chatserver/internal/queue"
	"github.com/andy6609/chatserver/internal/reactor"
)

// Config holds the Server's startup parameters (spec §4.5 "Startup").
type Config struct {
	Iface      string
	Port       uint16
	Backlog    int
	MaxClients int // maximum registered clients; onAccept rejects new
	// connections once it is reached. Linux epoll has ignored its size
	// argument since 2.6.8, so the reactor itself is not sized by it.
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = 128
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 1024
	}
	return c
}

// Server wires the codec, queue, and reactor packages into the running
// chat engine: it owns the client registry and the two pipeline queues,
// and runs the ingress reactor and the command processor concurrently
// (spec §4.5, §5 "Scheduling model").
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	listenFD  int
	boundPort uint16
	reactor   *reactor.Reactor
	inQueue  *queue.Queue[Envelope]
	outQueue *queue.Queue[Envelope]
	registry *Registry

	cancel      context.CancelFunc
	procDone    chan struct{}
	reactorDone chan error
	stopOnce    sync.Once
}

// NewServer constructs a Server. logger and metrics may be nil; logger
// defaults to slog.Default(), metrics defaults to a fresh Metrics
// registered against prometheus.DefaultRegisterer.
func NewServer(cfg Config, logger *slog.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		registry: NewRegistry(),
	}
}

// Start binds the listening socket, creates the reactor and pipeline
// queues, spawns the processor goroutine, and runs the ingress/egress
// reactor on a second goroutine. It returns once the server is ready to
// accept connections; Stop tears everything down.
func (s *Server) Start() error {
	listenFD, boundPort, err := listen(s.cfg.Iface, s.cfg.Port, s.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("chat: start: %w", err)
	}
	s.listenFD = listenFD
	s.boundPort = boundPort

	rx, err := reactor.New()
	if err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("chat: start: %w", err)
	}
	s.reactor = rx

	inQ, err := queue.New[Envelope]()
	if err != nil {
		rx.Close()
		unix.Close(listenFD)
		return fmt.Errorf("chat: start: %w", err)
	}
	s.inQueue = inQ

	outQ, err := queue.New[Envelope]()
	if err != nil {
		inQ.Close()
		rx.Close()
		unix.Close(listenFD)
		return fmt.Errorf("chat: start: %w", err)
	}
	s.outQueue = outQ

	if err := s.reactor.Add(listenFD, reactor.Readable, s.onAccept); err != nil {
		return fmt.Errorf("chat: start: %w", err)
	}
	if err := s.reactor.Add(outQ.NotifyFD(), reactor.Readable, s.onOutQueue); err != nil {
		return fmt.Errorf("chat: start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.procDone = make(chan struct{})
	s.reactorDone = make(chan error, 1)

	go func() {
		defer close(s.procDone)
		runProcessor(ctx, s.inQueue, s.outQueue, s.registry, s.metrics)
	}()
	go func() {
		s.reactorDone <- s.reactor.Run(ctx)
	}()

	s.logger.Info("server started", "iface", s.cfg.Iface, "port", s.cfg.Port)
	return nil
}

// Port returns the port the listening socket is actually bound to,
// useful after Start when Config.Port was 0 (kernel-assigned).
func (s *Server) Port() uint16 { return s.boundPort }

// Stop signals both the reactor and the processor to exit at their next
// wake-up, waits for both, and releases all kernel resources. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		s.cancel()
		<-s.procDone
		if err := <-s.reactorDone; err != nil {
			s.logger.Error("reactor exited with error", "error", err)
		}

		for _, c := range s.registry.live {
			c.Disconnect()
		}
		s.inQueue.Close()
		s.outQueue.Close()
		s.reactor.Close()
		unix.Close(s.listenFD)
		s.logger.Info("shutdown complete")
	})
}

// onAccept handles listener READABLE events (spec §4.5 point 1): accept
// one connection, handshake it, and either register it or drop it.
func (s *Server) onAccept(events reactor.EventMask) {
	fd, err := accept(s.listenFD)
	if err != nil {
		s.logger.Warn("accept failed", "error", err)
		return
	}

	if s.registry.Len() >= s.cfg.MaxClients {
		s.logger.Warn("max clients reached, rejecting connection", "max_clients", s.cfg.MaxClients)
		unix.Close(fd)
		return
	}

	conn := NewConnection(fd)
	nick, err := conn.Handshake()
	if err != nil {
		s.logger.Warn("handshake failed", "error", err)
		conn.Disconnect()
		return
	}

	// Nick collision policy (spec §9, decided in DESIGN.md): reject the
	// new handshake rather than silently displacing the incumbent.
	if s.registry.Has(nick) {
		s.logger.Warn("nick collision, rejecting new connection", "nick", nick)
		conn.Disconnect()
		return
	}

	if err := s.reactor.Add(conn.FD(), reactor.Readable|reactor.PeerClosed|reactor.Hangup, func(ev reactor.EventMask) {
		s.onClientReadable(conn, ev)
	}); err != nil {
		s.logger.Warn("failed to register client fd", "nick", nick, "error", err)
		conn.Disconnect()
		return
	}

	s.registry.Insert(nick, conn)
	s.metrics.ConnectedClients.Set(float64(s.registry.Len()))
	s.logger.Info("client connected", "nick", nick)
}

// onClientReadable handles a client socket's READABLE / PEER_CLOSED /
// HANGUP / ERROR events (spec §4.5 point 2).
func (s *Server) onClientReadable(conn *Connection, events reactor.EventMask) {
	if events&(reactor.Err|reactor.PeerClosed|reactor.Hangup) != 0 {
		s.disconnectClient(conn)
		return
	}

	body, err := conn.Recv()
	if err != nil {
		s.disconnectClient(conn)
		return
	}

	s.inQueue.Push(Envelope{Body: body, Src: conn.Nick()})
}

// onOutQueue handles the out-queue's notify-fd READABLE event (spec
// §4.5 point 3): pop one envelope, write it to each destination that is
// still online, isolating per-destination send failures.
func (s *Server) onOutQueue(events reactor.EventMask) {
	env, ok := s.outQueue.TryPop()
	if !ok {
		return
	}
	for _, dst := range env.Dsts {
		c, ok := s.registry.Lookup(dst)
		if !ok || c.Status() != Online {
			continue
		}
		if err := c.Send(env.Body); err != nil {
			if errors.Is(err, codec.ErrTooLong) {
				s.logger.Warn("outbound message too long", "nick", dst, "error", err)
			}
			s.disconnectClient(c)
		}
	}
}

// disconnectClient deregisters conn's fd before removing it from the
// registry, so the dispatched handler's context (the Connection
// closure) never outlives its registration (spec §9 "Callbacks with
// contextual data").
func (s *Server) disconnectClient(conn *Connection) {
	s.reactor.Del(conn.FD())
	s.registry.Remove(conn.Nick())
	conn.Disconnect()
	s.metrics.ConnectedClients.Set(float64(s.registry.Len()))
	s.logger.Info("client disconnected", "nick", conn.Nick())
}
