package game

import (
	"strings"

	"github.com/tilefall/tilefall/internal/model"
	"github.com/tilefall/tilefall/internal/transport"
)

const maxMessageLen = 256

// sendMessage drops a chat message at the speaker's position. The
// synchronizer fans the Create out to the hearing area on the next tick.
func (g *Game) sendMessage(c *transport.Ctx) error {
	userID, ok := g.sessions.UserOf(c.Peer.ID())
	if !ok {
		return g.reject(c)
	}
	text := strings.TrimSpace(c.Str("text"))
	if text == "" || len(text) > maxMessageLen {
		return g.reject(c)
	}

	u, err := g.tables.Users.Get(userID)
	if err != nil {
		return err
	}

	g.tables.Messages.Create(func(m *model.Message) {
		m.Text = text
		m.User.SetKey(userID)
		m.Location.SetKey(u.Location.Key())
		m.Position = u.Position
		m.CreatedAt = g.now().UnixNano()
		m.DeleteIn = g.cfg.MessageTTL.Milliseconds()
	})
	return nil
}

// PurgeExpiredMessages removes every message whose TTL has elapsed. It
// runs as a scheduler task, once at startup to clear messages that
// expired while the server was down, and during maintenance.
func (g *Game) PurgeExpiredMessages() (int, error) {
	deadline := g.now().UnixNano()
	expired, err := g.tables.Messages.LoadWhere("created_at_ns + delete_in_ms * 1000000 <= ?", deadline)
	if err != nil {
		return 0, err
	}
	for _, m := range expired {
		g.tables.Messages.Remove(m)
	}
	return len(expired), nil
}
