package game

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/config"
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/i18n"
	"github.com/tilefall/tilefall/internal/model"
	"github.com/tilefall/tilefall/internal/session"
	"github.com/tilefall/tilefall/internal/store"
	"github.com/tilefall/tilefall/internal/syncer"
	"github.com/tilefall/tilefall/internal/syncmodel"
	"github.com/tilefall/tilefall/internal/transport"
	"github.com/tilefall/tilefall/internal/world"
)

const strongPass = "correct-horse-battery-staple"

type harness struct {
	cfg      *config.EnvConfig
	gw       *store.Gateway
	tracker  *entity.Tracker
	reg      *entity.Registry
	tables   *model.Tables
	mgr      *world.Manager
	sessions *session.Index
	sync     *syncer.Syncer
	game     *Game
	httpSrv  *httptest.Server

	location int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "world.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateWorldDB(db); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		cfg: &config.EnvConfig{
			SubzoneSize:    geom.V(4, 4),
			WalkSpeed:      time.Hour, // each test permits exactly one step
			RunSpeed:       time.Hour,
			HearingRadius:  8,
			MessageTTL:     5 * time.Minute,
			TokenCacheSize: 128,
		},
		gw:       store.NewGateway(db),
		tracker:  entity.NewTracker(),
		sessions: session.NewIndex(),
	}

	c := cache.New(time.Minute)
	h.reg = entity.NewRegistry(h.gw, h.tracker, c)
	syncReg := syncmodel.NewRegistry()

	h.mgr = world.NewManager(c, world.Config{
		SubzoneSize: h.cfg.SubzoneSize,
		IdleTTL:     time.Minute,
		Staggered:   true,
	})

	h.tables, err = model.Register(h.reg, syncReg, HearingAreaFactory(h.mgr, h.cfg.HearingRadius))
	if err != nil {
		t.Fatal(err)
	}
	for _, src := range h.tables.WorldSources(h.gw) {
		h.mgr.Register(src)
	}

	catalog := i18n.MustLoad("en")
	srv := transport.NewServer(h.sessions, catalog)
	h.sync = syncer.New(h.tracker, syncReg, h.mgr, h.sessions, srv, h.reg, "user")

	h.game, err = New(h.cfg, h.tables, h.reg, h.mgr, h.sessions, h.sync, h.gw, catalog, srv)
	if err != nil {
		t.Fatal(err)
	}

	h.httpSrv = httptest.NewServer(srv)
	t.Cleanup(h.httpSrv.Close)

	h.location, err = h.gw.Insert("location", []string{"name"}, []any{"meadow"})
	if err != nil {
		t.Fatal(err)
	}
	h.seedTiles(t, geom.NewRect(geom.V(0, 0), geom.V(12, 12)))
	return h
}

func (h *harness) seedTiles(t *testing.T, r geom.Rect) {
	t.Helper()
	for y := r.Start.Y; y < r.End().Y; y++ {
		for x := r.Start.X; x < r.End().X; x++ {
			if _, err := h.gw.Insert("tile", []string{"location_id", "x", "y", "kind"},
				[]any{h.location, x, y, "grass"}); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func (h *harness) seedAccount(t *testing.T, name string) (id int64, token string) {
	t.Helper()
	token = newToken()
	id, err := h.gw.Insert("account",
		[]string{"name", "mail", "pass_hash", "token", "created_at_ns"},
		[]any{name, name + "@example.com", hashPassword(name, strongPass), token, time.Now().UnixNano()})
	if err != nil {
		t.Fatal(err)
	}
	return id, token
}

func (h *harness) seedUser(t *testing.T, name string, accountID int64, p geom.Vec2) int64 {
	t.Helper()
	id, err := h.gw.Insert("user", []string{"name", "account_id", "location_id", "x", "y"},
		[]any{name, accountID, h.location, p.X, p.Y})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// client is one websocket connection speaking the camelCase wire format.
type client struct {
	t    *testing.T
	conn *websocket.Conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, data map[string]any) {
	c.t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatal(err)
	}
}

// expect reads frames until one matches event, failing on timeout.
func (c *client) expect(event string) map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", event, err)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.t.Fatal(err)
		}
		if f.Event != event {
			continue
		}
		var data map[string]any
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &data); err != nil {
				c.t.Fatal(err)
			}
		}
		return data
	}
}

// expectTriple reads sync frames until one carries a matching triple.
// Earlier frames queued by other tests' setup are skipped over.
func (c *client) expectTriple(op, modelName string) map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s %s sync: %v", op, modelName, err)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.t.Fatal(err)
		}
		if f.Event != "sync" {
			continue
		}
		var batch [][]any
		if err := json.Unmarshal(f.Data, &batch); err != nil {
			c.t.Fatalf("sync frame not a batch: %v", err)
		}
		for _, triple := range batch {
			if len(triple) == 3 && triple[0] == op && triple[1] == modelName {
				payload, _ := triple[2].(map[string]any)
				return payload
			}
		}
	}
}

// signedInUser dials, signs the account in and picks the user.
func (h *harness) signedInUser(t *testing.T, accountName, userName string, p geom.Vec2) (*client, int64) {
	t.Helper()
	accID, _ := h.seedAccount(t, accountName)
	userID := h.seedUser(t, userName, accID, p)
	cl := h.dial(t)
	cl.send("sign_in_account", map[string]any{"name": accountName, "pass": strongPass})
	cl.expect("sign_in_account")
	cl.send("sign_in_user", map[string]any{"name": userName})
	cl.expect("sign_in_user")
	h.sync.Tick() // deliver the queued first load
	cl.expectTriple("create", "user")
	return cl, userID
}

func TestSignUpAccount_CreatesRowAndRateLimits(t *testing.T) {
	h := newHarness(t)
	cl := h.dial(t)

	cl.send("sign_up_account", map[string]any{"name": "Luka", "mail": "a@b.cd", "pass": strongPass})
	cl.expect("sign_up_account")

	if err := h.reg.Flush(); err != nil {
		t.Fatal(err)
	}
	rows, err := h.gw.SelectRows("account", []string{"id", "token"}, "name = ?", "Luka")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("accounts = %d, want 1", len(rows))
	}
	if token := rows[0].String("token"); len(token) != 96 {
		t.Errorf("token length = %d, want 96", len(token))
	}

	// Immediate resend hits the per-socket limit.
	cl.send("sign_up_account", map[string]any{"name": "Luka2", "mail": "a2@b.cd", "pass": strongPass})
	info := cl.expect("info")
	if text, _ := info["text"].(string); !strings.Contains(text, "quickly") {
		t.Errorf("expected rate-limit info, got %v", info)
	}
}

func TestSignUpAccount_Validation(t *testing.T) {
	h := newHarness(t)

	t.Run("weak_password", func(t *testing.T) {
		cl := h.dial(t)
		cl.send("sign_up_account", map[string]any{"name": "Mira", "mail": "m@b.cd", "pass": "12345678"})
		data := cl.expect("sign_up_account_error")
		if data["error"] != i18n.AuthWeakPassword {
			t.Errorf("error = %v", data["error"])
		}
	})

	t.Run("name_taken", func(t *testing.T) {
		h.seedAccount(t, "Taken")
		cl := h.dial(t)
		cl.send("sign_up_account", map[string]any{"name": "Taken", "mail": "t@b.cd", "pass": strongPass})
		data := cl.expect("sign_up_account_error")
		if data["error"] != i18n.AuthNameTaken {
			t.Errorf("error = %v", data["error"])
		}
	})

	t.Run("bad_mail", func(t *testing.T) {
		cl := h.dial(t)
		cl.send("sign_up_account", map[string]any{"name": "Nika", "mail": "nope", "pass": strongPass})
		cl.expect("info") // WRONG_DATA
	})
}

func TestSignInAccount(t *testing.T) {
	h := newHarness(t)
	_, token := h.seedAccount(t, "Luka")

	cl := h.dial(t)
	cl.send("sign_in_account", map[string]any{"name": "Nobody", "pass": strongPass})
	if data := cl.expect("sign_in_account_error"); data["error"] != i18n.AuthAccountNotFound {
		t.Errorf("error = %v", data["error"])
	}

	cl.send("sign_in_account", map[string]any{"name": "Luka", "pass": "wrong-pass"})
	if data := cl.expect("sign_in_account_error"); data["error"] != i18n.AuthWrongPassword {
		t.Errorf("error = %v", data["error"])
	}

	cl.send("sign_in_account", map[string]any{"name": "Luka", "pass": strongPass})
	data := cl.expect("sign_in_account")
	got, _ := data["token"].(string)
	if got != token {
		t.Errorf("token = %q, want %q", got, token)
	}
}

func TestSignInByToken(t *testing.T) {
	h := newHarness(t)
	_, token := h.seedAccount(t, "Luka")

	bad := h.dial(t)
	bad.send("sign_in_by_token", map[string]any{"token": strings.Repeat("f", 96)})
	if data := bad.expect("sign_in_by_token_error"); data["error"] != i18n.AuthWrongToken {
		t.Errorf("error = %v", data["error"])
	}

	// Twice: the second sign-in is served from the token cache.
	for range 2 {
		cl := h.dial(t)
		cl.send("sign_in_by_token", map[string]any{"token": token})
		cl.expect("sign_in_by_token")
	}
}

func TestUserLifecycle(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "Luka")

	cl := h.dial(t)
	cl.send("sign_in_account", map[string]any{"name": "Luka", "pass": strongPass})
	cl.expect("sign_in_account")

	cl.send("sign_up_user", map[string]any{"name": "hero"})
	cl.expect("sign_up_user")

	cl.send("get_user_list", nil)
	data := cl.expect("get_user_list")
	list, _ := data["userList"].([]any)
	if len(list) != 1 {
		t.Fatalf("user list = %v", data)
	}
	first, _ := list[0].(map[string]any)
	if first["name"] != "hero" {
		t.Errorf("name = %v", first["name"])
	}

	cl.send("sign_in_user", map[string]any{"name": "hero"})
	signIn := cl.expect("sign_in_user")
	if _, ok := signIn["id"].(float64); !ok {
		t.Errorf("sign_in_user payload = %v", signIn)
	}

	// The queued first load arrives on the next sync tick and contains
	// the user's own create.
	h.sync.Tick()
	if create := cl.expectTriple("create", "user"); create == nil {
		t.Fatal("no user create in first load")
	}

	cl.send("log_out_user", nil)
	cl.expect("log_out_user")
	if users := h.sessions.OnlineUserIDs(); len(users) != 0 {
		t.Errorf("still online: %v", users)
	}
}

func TestSignInUser_Unknown(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "Luka")

	cl := h.dial(t)
	cl.send("sign_in_account", map[string]any{"name": "Luka", "pass": strongPass})
	cl.expect("sign_in_account")

	cl.send("sign_in_user", map[string]any{"name": "ghost"})
	if data := cl.expect("sign_in_user_error"); data["error"] != i18n.AuthUserNotFound {
		t.Errorf("error = %v", data["error"])
	}
}

func TestMove_StepsStaggeredAndSyncs(t *testing.T) {
	h := newHarness(t)
	cl, userID := h.signedInUser(t, "Luka", "hero", geom.V(5, 5))

	cl.send("move", map[string]any{"direction": map[string]any{"x": 1, "y": 1}, "run": false})
	cl.send("get_user_list", nil) // fence: move has no success reply
	cl.expect("get_user_list")

	h.sync.Tick()
	upd := cl.expectTriple("update", "user")
	if id, _ := upd["id"].(float64); int64(id) != userID {
		t.Errorf("id = %v", upd["id"])
	}
	pos, _ := upd["position"].(map[string]any)
	if pos["x"] != float64(6) || pos["y"] != float64(7) {
		t.Errorf("position = %v", upd["position"])
	}
}

func TestMove_TooFast(t *testing.T) {
	h := newHarness(t)
	cl, _ := h.signedInUser(t, "Luka", "hero", geom.V(5, 5))

	cl.send("move", map[string]any{"direction": map[string]any{"x": 1, "y": 0}, "run": false})
	cl.send("move", map[string]any{"direction": map[string]any{"x": 1, "y": 0}, "run": false})
	if data := cl.expect("move_error"); data["error"] != i18n.MoveTooFast {
		t.Errorf("error = %v", data["error"])
	}
}

func TestMove_BlockedByObstacle(t *testing.T) {
	h := newHarness(t)
	obstacleID, err := h.gw.Insert("obstacle", []string{"kind", "location_id", "x", "y"},
		[]any{"rock", h.location, 6, 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.gw.Exec("INSERT INTO obstacle_shape (obstacle_id, x, y) VALUES (?, ?, ?)",
		obstacleID, 6, 5); err != nil {
		t.Fatal(err)
	}

	cl, _ := h.signedInUser(t, "Luka", "hero", geom.V(5, 5))
	cl.send("move", map[string]any{"direction": map[string]any{"x": 1, "y": 0}, "run": false})
	if data := cl.expect("move_error"); data["error"] != i18n.MoveBlocked {
		t.Errorf("error = %v", data["error"])
	}
}

func TestMove_EdgeRowForbidden(t *testing.T) {
	h := newHarness(t)
	// Tiles span x 0..11; stepping onto x=10 is fine, onto x=11 is not,
	// because the row one step further (x=12) does not exist.
	cl, _ := h.signedInUser(t, "Luka", "hero", geom.V(10, 5))

	cl.send("move", map[string]any{"direction": map[string]any{"x": 1, "y": 0}, "run": false})
	if data := cl.expect("move_error"); data["error"] != i18n.MoveBlocked {
		t.Errorf("error = %v", data["error"])
	}
}

func TestSendMessage_ReachesHearingAreaAndExpires(t *testing.T) {
	h := newHarness(t)
	h.cfg.MessageTTL = 50 * time.Millisecond

	speaker, speakerID := h.signedInUser(t, "Luka", "hero", geom.V(5, 5))
	near, _ := h.signedInUser(t, "Mira", "bard", geom.V(8, 5))
	far, _ := h.signedInUser(t, "Nika", "rogue", geom.V(5, 37))
	h.sync.Tick()

	speaker.send("send_message", map[string]any{"text": "hi"})
	speaker.send("get_user_list", nil) // fence
	speaker.expect("get_user_list")
	h.sync.Tick()

	var createID float64
	for _, cl := range []*client{speaker, near} {
		create := cl.expectTriple("create", "message")
		if create["text"] != "hi" {
			t.Errorf("text = %v", create["text"])
		}
		if create["user"] != "hero" {
			t.Errorf("user = %v, want mapped name", create["user"])
		}
		if create["deleteIn"] != float64(50) {
			t.Errorf("deleteIn = %v", create["deleteIn"])
		}
		createID, _ = create["id"].(float64)
		if createID == 0 {
			t.Errorf("create must carry the stored key, got %v", create["id"])
		}
	}
	_ = far // receives nothing; asserting absence would race the read deadline
	_ = speakerID

	// Persist, let the TTL elapse, purge, and the Delete goes out.
	if err := h.reg.Flush(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	purged, err := h.game.PurgeExpiredMessages()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	h.sync.Tick()
	del := speaker.expectTriple("delete", "message")
	if del["id"] != createID {
		t.Errorf("delete id = %v, create id = %v", del["id"], createID)
	}
}

func TestDisconnect_DropsUserFromWorld(t *testing.T) {
	h := newHarness(t)
	cl, userID := h.signedInUser(t, "Luka", "hero", geom.V(5, 5))
	observer, _ := h.signedInUser(t, "Mira", "bard", geom.V(8, 5))
	h.sync.Tick()

	cl.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.sessions.OnlineUserIDs()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session not torn down after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.sync.Tick()
	del := observer.expectTriple("delete", "user")
	if id, _ := del["id"].(float64); int64(id) != userID {
		t.Errorf("id = %v", del["id"])
	}
	sz := h.mgr.SubzoneAt(h.location, geom.V(5, 5))
	if users := sz.EntitiesOf("user"); len(users) != 0 {
		t.Errorf("subzone still holds %d users", len(users))
	}
}
