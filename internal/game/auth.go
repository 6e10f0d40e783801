package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tilefall/tilefall/internal/config"
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/i18n"
	"github.com/tilefall/tilefall/internal/model"
	"github.com/tilefall/tilefall/internal/transport"
)

const tokenBytes = 48 // 96 hex characters

var (
	nameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,24}$`)
	mailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func newToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("game: token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// hashPassword derives the stored credential. The account name salts the
// digest so equal passwords do not collide across accounts.
func hashPassword(name, pass string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + pass))
	return hex.EncodeToString(sum[:])
}

func (g *Game) signUpAccount(c *transport.Ctx) error {
	name := strings.TrimSpace(c.Str("name"))
	mail := strings.TrimSpace(c.Str("mail"))
	pass := c.Str("pass")
	if !nameRe.MatchString(name) || !mailRe.MatchString(mail) || pass == "" {
		return g.reject(c)
	}
	if config.IsWeakPassword(pass) {
		return g.fail(c, "sign_up_account", i18n.AuthWeakPassword)
	}

	taken, err := g.tables.Accounts.LoadWhere("name = ?", name)
	if err != nil {
		return err
	}
	if len(taken) > 0 {
		return g.fail(c, "sign_up_account", i18n.AuthNameTaken)
	}

	g.tables.Accounts.Create(func(a *model.Account) {
		a.Name = name
		a.Mail = mail
		a.PassHash = hashPassword(name, pass)
		a.Token = newToken()
		a.CreatedAt = g.now().UnixNano()
	})
	// Credentials must be queryable before the reply: sign-in reads rows.
	if err := g.reg.Flush(); err != nil {
		return err
	}
	c.Peer.Send("sign_up_account", nil)
	return nil
}

func (g *Game) signInAccount(c *transport.Ctx) error {
	name := strings.TrimSpace(c.Str("name"))
	pass := c.Str("pass")
	if name == "" || pass == "" {
		return g.reject(c)
	}

	accounts, err := g.tables.Accounts.LoadWhere("name = ?", name)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return g.fail(c, "sign_in_account", i18n.AuthAccountNotFound)
	}
	acc := accounts[0]
	if hashPassword(acc.Name, pass) != acc.PassHash {
		return g.fail(c, "sign_in_account", i18n.AuthWrongPassword)
	}

	g.sessions.LoginAccount(c.Peer.ID(), acc.EntityID())
	g.tokens.Set(acc.Token, acc.EntityID())
	c.Peer.Send("sign_in_account", map[string]any{"token": acc.Token})
	return nil
}

func (g *Game) signInByToken(c *transport.Ctx) error {
	token := c.Str("token")
	if len(token) != tokenBytes*2 {
		return g.reject(c)
	}

	accountID, cached := g.tokens.Get(token)
	if !cached {
		accounts, err := g.tables.Accounts.LoadWhere("token = ?", token)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			return g.fail(c, "sign_in_by_token", i18n.AuthWrongToken)
		}
		accountID = accounts[0].EntityID()
		g.tokens.Set(token, accountID)
	}

	g.sessions.LoginAccount(c.Peer.ID(), accountID)
	c.Peer.Send("sign_in_by_token", nil)
	return nil
}

func (g *Game) logOutAccount(c *transport.Ctx) error {
	socket := c.Peer.ID()
	if userID, hadUser := g.sessions.UserOf(socket); hadUser {
		g.sessions.LogoutUser(socket)
		if len(g.sessions.SocketsOfUser(userID)) == 0 {
			g.dropFromWorld(userID)
		}
	}
	g.sessions.Close(socket)
	c.Peer.Send("log_out_account", nil)
	return nil
}

func (g *Game) signUpUser(c *transport.Ctx) error {
	accountID, ok := g.sessions.AccountOf(c.Peer.ID())
	if !ok {
		return g.reject(c)
	}
	name := strings.TrimSpace(c.Str("name"))
	if !nameRe.MatchString(name) {
		return g.reject(c)
	}

	taken, err := g.tables.Users.LoadWhere("name = ?", name)
	if err != nil {
		return err
	}
	if len(taken) > 0 {
		return g.fail(c, "sign_up_user", i18n.AuthNameTaken)
	}

	locationID, err := g.defaultLocation()
	if err != nil {
		return err
	}
	spawn, err := g.findSpawn(locationID)
	if err != nil {
		return err
	}

	g.tables.Users.Create(func(u *model.User) {
		u.Name = name
		u.Account.SetKey(accountID)
		u.Location.SetKey(locationID)
		u.Position = spawn
	})
	if err := g.reg.Flush(); err != nil {
		return err
	}
	c.Peer.Send("sign_up_user", nil)
	return nil
}

func (g *Game) signInUser(c *transport.Ctx) error {
	socket := c.Peer.ID()
	accountID, ok := g.sessions.AccountOf(socket)
	if !ok {
		return g.reject(c)
	}
	name := strings.TrimSpace(c.Str("name"))
	if name == "" {
		return g.reject(c)
	}

	users, err := g.tables.Users.LoadWhere("name = ? AND account_id = ?", name, accountID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return g.fail(c, "sign_in_user", i18n.AuthUserNotFound)
	}
	u := users[0]

	wasOnline := len(g.sessions.SocketsOfUser(u.EntityID())) > 0
	g.sessions.LoginUser(socket, u.EntityID())
	if !wasOnline {
		if err := g.world.Enter(u); err != nil {
			return err
		}
		g.sync.Announce(u, u.EntityID())
	}

	batch, err := g.sync.FirstLoad(u)
	if err != nil {
		return err
	}
	g.sync.QueueFor(u.EntityID(), batch...)
	c.Peer.Send("sign_in_user", map[string]any{"id": u.EntityID()})
	return nil
}

func (g *Game) getUserList(c *transport.Ctx) error {
	accountID, ok := g.sessions.AccountOf(c.Peer.ID())
	if !ok {
		return g.reject(c)
	}
	users, err := g.tables.Users.LoadWhere("account_id = ?", accountID)
	if err != nil {
		return err
	}
	list := make([]map[string]any, 0, len(users))
	for _, u := range users {
		list = append(list, map[string]any{"id": u.EntityID(), "name": u.Name})
	}
	c.Peer.Send("get_user_list", map[string]any{"user_list": list})
	return nil
}

func (g *Game) logOutUser(c *transport.Ctx) error {
	socket := c.Peer.ID()
	userID, ok := g.sessions.UserOf(socket)
	if !ok {
		return g.reject(c)
	}
	g.sessions.LogoutUser(socket)
	if len(g.sessions.SocketsOfUser(userID)) == 0 {
		g.dropFromWorld(userID)
	}
	c.Peer.Send("log_out_user", nil)
	return nil
}

// defaultLocation returns the spawn location: the lowest location id.
func (g *Game) defaultLocation() (int64, error) {
	locations, err := g.tables.Locations.LoadWhere("id = (SELECT MIN(id) FROM location)")
	if err != nil {
		return 0, err
	}
	if len(locations) == 0 {
		return 0, errors.New("game: no location to spawn into")
	}
	return locations[0].EntityID(), nil
}

// findSpawn picks a free tile in the location's origin subzone.
func (g *Game) findSpawn(locationID int64) (geom.Vec2, error) {
	sz := g.world.SubzoneAt(locationID, geom.V(0, 0))
	if err := sz.Load(); err != nil {
		return geom.Vec2{}, err
	}
	for range 64 {
		p := sz.RandomPositionInside(g.world.Staggered())
		if sz.IsTileFree(p) {
			return p, nil
		}
	}
	rect := sz.Rect()
	for y := rect.Start.Y; y < rect.End().Y; y++ {
		for x := rect.Start.X; x < rect.End().X; x++ {
			if p := geom.V(x, y); sz.IsTileFree(p) {
				return p, nil
			}
		}
	}
	return geom.Vec2{}, fmt.Errorf("game: no free spawn tile in location %d", locationID)
}
