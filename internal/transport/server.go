// Package transport is the websocket boundary: it upgrades connections,
// frames events, enforces access levels and rate limits, and hands valid
// events to registered handlers. Payload keys cross the boundary in
// camelCase and are snake_case everywhere behind it.
package transport

import (
	"errors"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tilefall/tilefall/internal/i18n"
	"github.com/tilefall/tilefall/internal/session"
)

// ErrDidNotConsume is returned by handlers whose rate-limit slot should
// be refunded: the request was valid but had no effect.
var ErrDidNotConsume = errors.New("transport: did not consume")

// Access gates a handler on the socket's authentication state.
type Access int

const (
	ForAll Access = iota
	OnlyGuest
	OnlyLoggedAccount
	OnlyLoggedAtLeastAccount
	OnlyLogged
)

// Ctx carries one dispatched event.
type Ctx struct {
	Peer *Peer
	Data map[string]any
}

// Str returns a string payload field.
func (c *Ctx) Str(key string) string {
	s, _ := c.Data[key].(string)
	return s
}

// Bool returns a boolean payload field.
func (c *Ctx) Bool(key string) bool {
	b, _ := c.Data[key].(bool)
	return b
}

// Int returns a numeric payload field (JSON numbers arrive as float64).
func (c *Ctx) Int(key string) (int, bool) {
	f, ok := c.Data[key].(float64)
	return int(f), ok
}

// Map returns a nested object payload field.
func (c *Ctx) Map(key string) map[string]any {
	m, _ := c.Data[key].(map[string]any)
	return m
}

// HandlerFunc handles one event. Returning ErrDidNotConsume refunds the
// rate-limit slot; any other error is reported as UNKNOWN_ERROR.
type HandlerFunc func(c *Ctx) error

type registration struct {
	access  Access
	limit   *Limit
	handler HandlerFunc
}

// Server is the websocket endpoint and event dispatcher.
type Server struct {
	sessions *session.Index
	catalog  *i18n.Catalog
	upgrader websocket.Upgrader

	peers    *xsync.Map[string, *Peer]
	handlers map[string]registration

	// Post hands handler execution to the scheduler thread. Nil runs
	// handlers inline (tests).
	Post func(job func())
	// OnClose runs after a peer disconnects, with its socket id.
	OnClose func(socketID string)

	now func() time.Time // test hook
}

// NewServer creates a Server over the given session index and catalog.
func NewServer(sessions *session.Index, catalog *i18n.Catalog) *Server {
	return &Server{
		sessions: sessions,
		catalog:  catalog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers:    xsync.NewMap[string, *Peer](),
		handlers: make(map[string]registration),
		now:      time.Now,
	}
}

// Handle registers an event handler with its access level. limit may be
// nil for unlimited events.
func (s *Server) Handle(event string, access Access, limit *Limit, fn HandlerFunc) {
	s.handlers[event] = registration{access: access, limit: limit, handler: fn}
}

// ServeHTTP upgrades the connection and starts the peer's pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[transport] upgrade: %v", err)
		return
	}
	p := &Peer{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
		limits: newLimiter(),
	}
	s.peers.Store(p.id, p)
	log.Printf("[transport] peer %s connected from %s", p.id, r.RemoteAddr)

	go p.writePump()
	go p.readPump()
}

func (s *Server) disconnect(p *Peer) {
	if _, loaded := s.peers.LoadAndDelete(p.id); !loaded {
		return
	}
	p.conn.Close()
	close(p.send)
	log.Printf("[transport] peer %s disconnected", p.id)
	if s.OnClose != nil {
		s.post(func() { s.OnClose(p.id) })
	}
}

// Send delivers an event to a socket id; writes to closed sockets are
// dropped. Implements the synchronizer's sender.
func (s *Server) Send(socket, event string, payload any) {
	if p, ok := s.peers.Load(socket); ok {
		p.Send(event, payload)
	}
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int { return s.peers.Size() }

func (s *Server) sendInfo(p *Peer, code string) {
	p.Send("info", map[string]any{"text": s.catalog.T(code)})
}

func (s *Server) post(job func()) {
	if s.Post != nil {
		s.Post(job)
		return
	}
	job()
}

// dispatch enforces access and rate limits, then posts the handler to
// the scheduler thread.
func (s *Server) dispatch(p *Peer, event string, data map[string]any) {
	reg, ok := s.handlers[event]
	if !ok {
		s.sendInfo(p, i18n.WrongData)
		return
	}

	if code, allowed := s.checkAccess(p, reg.access); !allowed {
		s.sendInfo(p, code)
		return
	}

	if reg.limit != nil && !p.limits.allow(event, *reg.limit, s.now()) {
		s.sendInfo(p, i18n.LimitReached)
		return
	}

	s.post(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[transport] handler %s panicked: %v\n%s", event, r, debug.Stack())
				s.sendInfo(p, i18n.UnknownError)
			}
		}()
		err := reg.handler(&Ctx{Peer: p, Data: data})
		switch {
		case err == nil:
		case errors.Is(err, ErrDidNotConsume):
			if reg.limit != nil {
				p.limits.pop(event)
			}
		default:
			log.Printf("[transport] handler %s: %v", event, err)
			s.sendInfo(p, i18n.UnknownError)
		}
	})
}

func (s *Server) checkAccess(p *Peer, access Access) (code string, allowed bool) {
	hasAccount := s.sessions.IsLoggedIntoAccount(p.id)
	hasUser := s.sessions.IsLoggedAsUser(p.id)

	switch access {
	case ForAll:
		return "", true
	case OnlyGuest:
		if hasAccount {
			return i18n.OnlyGuest, false
		}
	case OnlyLoggedAccount:
		if !hasAccount {
			return i18n.PleaseLoginAccount, false
		}
		if hasUser {
			return i18n.WrongData, false
		}
	case OnlyLoggedAtLeastAccount:
		if !hasAccount {
			return i18n.PleaseLoginAccount, false
		}
	case OnlyLogged:
		if !hasUser {
			return i18n.PleaseLoginUser, false
		}
	}
	return "", true
}
