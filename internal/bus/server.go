package bus

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/devit-sh/devitd/internal/apierrors"
	"github.com/devit-sh/devitd/internal/telemetry"
)

// Handler processes one authenticated inbound frame and optionally returns a
// reply to send back on the same connection. Implementations (cmd/devitd's
// daemonHandler, in production) must treat ACK as a pure handshake per §3.
type Handler interface {
	Handle(ctx context.Context, f Frame) (*Frame, error)
}

// Server accepts connections on a Listener, authenticates every frame, and
// dispatches it to a Handler. One identity may hold at most one live
// connection; HELLO frames register (or reclaim) an identity's connection so
// Send can later push frames to it.
type Server struct {
	listener Listener
	auth     *Authenticator
	handler  Handler
	log      telemetry.Logger
	schema   *SchemaRegistry

	limiterRate  rate.Limit
	limiterBurst int

	mu         sync.Mutex
	identities map[string]net.Conn
	limiters   map[string]*rate.Limiter
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewServer builds a Server. perIdentityRate/perIdentityBurst configure the
// token-bucket rate limit applied independently to each `from` identity;
// zero rate disables limiting. schema is optional: a nil registry skips
// payload validation entirely.
func NewServer(listener Listener, auth *Authenticator, handler Handler, log telemetry.Logger, perIdentityRate rate.Limit, perIdentityBurst int, schema *SchemaRegistry) *Server {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Server{
		listener:     listener,
		auth:         auth,
		handler:      handler,
		log:          log,
		schema:       schema,
		limiterRate:  perIdentityRate,
		limiterBurst: perIdentityBurst,
		identities:   make(map[string]net.Conn),
		limiters:     make(map[string]*rate.Limiter),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var identity string
	defer func() {
		if identity != "" {
			s.mu.Lock()
			if s.identities[identity] == conn {
				delete(s.identities, identity)
			}
			s.mu.Unlock()
		}
	}()

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return
		}

		if err := s.auth.Authenticate(f); err != nil {
			s.log.Warn(ctx, "bus: rejecting frame", "from", f.From, "msg_type", string(f.MsgType), "error", err.Error())
			continue
		}

		if !s.allow(f.From) {
			s.log.Warn(ctx, "bus: rate limit exceeded", "from", f.From)
			continue
		}

		if s.schema != nil {
			if err := s.schema.Validate(f.MsgType, f.Payload); err != nil {
				s.log.Warn(ctx, "bus: payload failed schema validation", "from", f.From, "msg_type", string(f.MsgType), "error", err.Error())
				continue
			}
		}

		if f.MsgType == MsgHello {
			identity = f.From
			s.mu.Lock()
			s.identities[identity] = conn
			s.mu.Unlock()
		}

		if f.MsgType == MsgBye {
			return
		}

		reply, err := s.handler.Handle(ctx, f)
		if err != nil {
			s.log.Error(ctx, "bus: handler failed", "msg_type", string(f.MsgType), "error", err.Error())
			continue
		}
		if reply != nil {
			if err := Sign(s.auth.key, reply); err != nil {
				continue
			}
			if err := WriteFrame(conn, *reply); err != nil {
				return
			}
		}
	}
}

// allow applies the per-identity token bucket; identities with no configured
// rate limit are always allowed.
func (s *Server) allow(identity string) bool {
	if s.limiterRate <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[identity]
	if !ok {
		l = rate.NewLimiter(s.limiterRate, s.limiterBurst)
		s.limiters[identity] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

// Send pushes frame to identity's live connection, if any, through a
// per-identity circuit breaker so a stalled peer cannot cause unbounded
// retries against it. Returns an Io-coded apierrors.Envelope ("identity not
// connected") when the identity has no live connection.
func (s *Server) Send(identity string, frame Frame) error {
	if err := Sign(s.auth.key, &frame); err != nil {
		return apierrors.Internal(err)
	}

	s.mu.Lock()
	conn, connected := s.identities[identity]
	breaker, ok := s.breakers[identity]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        identity,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		s.breakers[identity] = breaker
	}
	s.mu.Unlock()

	if !connected {
		return apierrors.New(apierrors.CodeIO, "identity not connected: "+identity)
	}

	_, err := breaker.Execute(func() (any, error) {
		return nil, WriteFrame(conn, frame)
	})
	if err != nil {
		return apierrors.Wrap(apierrors.CodeIO, err)
	}
	return nil
}

// Connected reports whether identity currently holds a live connection.
func (s *Server) Connected(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[identity]
	return ok
}

// PickForRole returns a connected identity whose `role:name` prefix matches
// role, falling back to any connected identity when none of that role is
// present. ok is false only when nothing at all is connected.
func (s *Server) PickForRole(role string) (identity string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fallback string
	for id := range s.identities {
		if roleOf(id) == role {
			return id, true
		}
		if fallback == "" {
			fallback = id
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}

// roleOf extracts the `role` portion of a `role:name` identity; an identity
// with no colon is its own role.
func roleOf(identity string) string {
	if i := strings.IndexByte(identity, ':'); i >= 0 {
		return identity[:i]
	}
	return identity
}
