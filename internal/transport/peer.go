package transport

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// envelope is the wire frame: an event name and a camelCase payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Peer is one connected socket.
type Peer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	limits *limiter
}

// ID returns the peer's socket id.
func (p *Peer) ID() string { return p.id }

// Send serializes {event, data} with payload keys camelized and queues it
// for the write pump. Frames to a congested peer are dropped.
func (p *Peer) Send(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		log.Printf("[transport] encode %s: %v", event, err)
		return
	}
	select {
	case p.send <- frame:
	default:
		log.Printf("[transport] peer %s send buffer full, dropping %s", p.id, event)
	}
}

// encodeFrame camelizes the payload keys by round-tripping through the
// generic JSON form, so any payload shape converts uniformly.
func encodeFrame(event string, payload any) ([]byte, error) {
	env := envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		camel, err := json.Marshal(mapKeys(generic, snakeToCamel))
		if err != nil {
			return nil, err
		}
		env.Data = camel
	}
	return json.Marshal(env)
}

// readPump decodes frames, snake-cases payload keys and hands the event
// to the dispatcher. It owns the connection's read side.
func (p *Peer) readPump() {
	defer p.server.disconnect(p)

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[transport] peer %s read: %v", p.id, err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			p.server.sendInfo(p, "WRONG_DATA")
			continue
		}
		data := make(map[string]any)
		if len(env.Data) > 0 {
			var generic any
			if err := json.Unmarshal(env.Data, &generic); err != nil {
				p.server.sendInfo(p, "WRONG_DATA")
				continue
			}
			if m, ok := mapKeys(generic, camelToSnake).(map[string]any); ok {
				data = m
			}
		}
		p.server.dispatch(p, env.Event, data)
	}
}

// writePump owns the connection's write side: queued frames plus pings.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
