// Package game holds the domain handlers: account and user auth,
// movement, chat, and periodic world maintenance. Handlers run on the
// scheduler thread; the transport posts them there.
package game

import (
	"log"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/tilefall/tilefall/internal/config"
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/i18n"
	"github.com/tilefall/tilefall/internal/model"
	"github.com/tilefall/tilefall/internal/session"
	"github.com/tilefall/tilefall/internal/store"
	"github.com/tilefall/tilefall/internal/syncer"
	"github.com/tilefall/tilefall/internal/transport"
	"github.com/tilefall/tilefall/internal/world"
)

// Game wires the domain handlers over the shared runtime pieces.
type Game struct {
	cfg      *config.EnvConfig
	tables   *model.Tables
	reg      *entity.Registry
	world    *world.Manager
	sessions *session.Index
	sync     *syncer.Syncer
	gw       *store.Gateway
	catalog  *i18n.Catalog

	// tokens maps account token to account id so repeat token sign-ins
	// skip the store.
	tokens otter.Cache[string, int64]
	// lastMove tracks each user's last accepted step for speed checks.
	lastMove *xsync.Map[int64, time.Time]

	// Post hands work from background goroutines (cron) to the scheduler
	// thread. Nil runs it inline (tests).
	Post func(job func())

	now func() time.Time
}

// New creates the game layer and registers its event handlers on srv.
func New(
	cfg *config.EnvConfig,
	tables *model.Tables,
	reg *entity.Registry,
	w *world.Manager,
	sessions *session.Index,
	sync *syncer.Syncer,
	gw *store.Gateway,
	catalog *i18n.Catalog,
	srv *transport.Server,
) (*Game, error) {
	tokens, err := otter.MustBuilder[string, int64](cfg.TokenCacheSize).
		Cost(func(_ string, _ int64) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, err
	}

	g := &Game{
		cfg:      cfg,
		tables:   tables,
		reg:      reg,
		world:    w,
		sessions: sessions,
		sync:     sync,
		gw:       gw,
		catalog:  catalog,
		tokens:   tokens,
		lastMove: xsync.NewMap[int64, time.Time](),
		now:      time.Now,
	}
	g.registerHandlers(srv)
	srv.OnClose = g.handleClose
	return g, nil
}

func (g *Game) registerHandlers(srv *transport.Server) {
	srv.Handle("sign_up_account", transport.OnlyGuest,
		&transport.Limit{Period: time.Minute, Times: 1}, g.signUpAccount)
	srv.Handle("sign_in_account", transport.OnlyGuest, nil, g.signInAccount)
	srv.Handle("sign_in_by_token", transport.OnlyGuest, nil, g.signInByToken)
	srv.Handle("log_out_account", transport.OnlyLoggedAtLeastAccount, nil, g.logOutAccount)

	srv.Handle("sign_up_user", transport.OnlyLoggedAccount,
		&transport.Limit{Period: time.Minute, Times: 1}, g.signUpUser)
	srv.Handle("sign_in_user", transport.OnlyLoggedAccount, nil, g.signInUser)
	srv.Handle("get_user_list", transport.OnlyLoggedAtLeastAccount, nil, g.getUserList)
	srv.Handle("log_out_user", transport.OnlyLogged, nil, g.logOutUser)

	srv.Handle("move", transport.OnlyLogged, nil, g.move)
	srv.Handle("send_message", transport.OnlyLogged,
		&transport.Limit{Period: 10 * time.Second, Times: 5}, g.sendMessage)
}

// handleClose tears down the session when a socket disconnects; if it
// was the user's last socket, the avatar leaves the world.
func (g *Game) handleClose(socketID string) {
	userID, hadUser := g.sessions.UserOf(socketID)
	g.sessions.Close(socketID)
	if hadUser && len(g.sessions.SocketsOfUser(userID)) == 0 {
		g.dropFromWorld(userID)
	}
}

func (g *Game) dropFromWorld(userID int64) {
	u, ok := g.tables.Users.GetIfCached(userID)
	if !ok {
		return
	}
	g.sync.Retract(u, userID)
	g.world.Leave(u, world.PositionsOf(u))
	g.lastMove.Delete(userID)
}

// fail reports a semantic domain error on the event's error channel and
// refunds the rate-limit slot.
func (g *Game) fail(c *transport.Ctx, event, code string) error {
	c.Peer.Send(event+"_error", map[string]any{"error": code})
	return transport.ErrDidNotConsume
}

// reject reports malformed input and refunds the rate-limit slot.
func (g *Game) reject(c *transport.Ctx) error {
	c.Peer.Send("info", map[string]any{"text": g.catalog.T(i18n.WrongData)})
	return transport.ErrDidNotConsume
}

func (g *Game) post(job func()) {
	if g.Post != nil {
		g.Post(job)
		return
	}
	job()
}

// StartMaintenance schedules the nightly maintenance job. The returned
// cron must be stopped on shutdown.
func (g *Game) StartMaintenance(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		g.post(g.runMaintenance)
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (g *Game) runMaintenance() {
	purged, err := g.PurgeExpiredMessages()
	if err != nil {
		log.Printf("[game] maintenance purge: %v", err)
	}
	if err := g.reg.Flush(); err != nil {
		log.Printf("[game] maintenance flush: %v", err)
	}
	if err := g.gw.Exec("VACUUM"); err != nil {
		log.Printf("[game] maintenance vacuum: %v", err)
	}
	sockets, accounts, users := g.sessions.Stats()
	log.Printf("[game] maintenance done: %d messages purged, %d cache entries, %d sockets / %d accounts / %d users online",
		purged, g.reg.Cache().Len(), sockets, accounts, users)
}
