package game

import (
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/i18n"
	"github.com/tilefall/tilefall/internal/transport"
)

// move steps the avatar one tile. On the staggered grid a vertical step
// changes Y by two, so tile parity is preserved.
func (g *Game) move(c *transport.Ctx) error {
	userID, ok := g.sessions.UserOf(c.Peer.ID())
	if !ok {
		return g.reject(c)
	}

	dir, ok := readDirection(c.Map("direction"))
	if !ok {
		return g.reject(c)
	}
	run := c.Bool("run")

	u, err := g.tables.Users.Get(userID)
	if err != nil {
		return err
	}

	interval := g.cfg.WalkSpeed
	if run {
		interval = g.cfg.RunSpeed
	}
	now := g.now()
	if last, moved := g.lastMove.Load(userID); moved && now.Sub(last) < interval {
		return g.fail(c, "move", i18n.MoveTooFast)
	}

	step := geom.V(dir.X, dir.Y*2)
	next := u.Position.Add(step)

	sz := g.world.SubzoneAt(u.Location.Key(), next)
	if err := sz.Load(); err != nil {
		return err
	}
	if !sz.IsTileFree(next) {
		return g.fail(c, "move", i18n.MoveBlocked)
	}
	// The row one step further must exist too: the edge row of the map is
	// only half-visible on the staggered grid and cannot be entered.
	ahead := next.Add(step)
	szAhead := g.world.SubzoneAt(u.Location.Key(), ahead)
	if err := szAhead.Load(); err != nil {
		return err
	}
	if !szAhead.HasTile(ahead) {
		return g.fail(c, "move", i18n.MoveBlocked)
	}

	g.lastMove.Store(userID, now)
	u.SetPosition(next)
	return nil
}

// readDirection validates a unit direction: each axis in {-1,0,1}, not
// both zero.
func readDirection(m map[string]any) (geom.Vec2, bool) {
	if m == nil {
		return geom.Vec2{}, false
	}
	x, okX := m["x"].(float64)
	y, okY := m["y"].(float64)
	if !okX || !okY {
		return geom.Vec2{}, false
	}
	dir := geom.V(int(x), int(y))
	if dir.X < -1 || dir.X > 1 || dir.Y < -1 || dir.Y > 1 || dir == geom.V(0, 0) {
		return geom.Vec2{}, false
	}
	return dir, true
}
