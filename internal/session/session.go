// Package session tracks which sockets are logged into which accounts and
// users. The index is pure bookkeeping: authentication lives in the game
// layer, delivery in the transport.
package session

import (
	"github.com/puzpuzpuz/xsync/v4"
)

type socketSet = xsync.Map[string, struct{}]

// Index is the bidirectional socket/identity map. An account or user may
// be logged in from several sockets at once; one socket holds at most one
// account and one user.
type Index struct {
	accountBySocket  *xsync.Map[string, int64]
	userBySocket     *xsync.Map[string, int64]
	socketsByAccount *xsync.Map[int64, *socketSet]
	socketsByUser    *xsync.Map[int64, *socketSet]
}

// NewIndex creates an empty session index.
func NewIndex() *Index {
	return &Index{
		accountBySocket:  xsync.NewMap[string, int64](),
		userBySocket:     xsync.NewMap[string, int64](),
		socketsByAccount: xsync.NewMap[int64, *socketSet](),
		socketsByUser:    xsync.NewMap[int64, *socketSet](),
	}
}

func addTo(m *xsync.Map[int64, *socketSet], id int64, socket string) {
	m.Compute(id, func(set *socketSet, loaded bool) (*socketSet, xsync.ComputeOp) {
		if !loaded {
			set = xsync.NewMap[string, struct{}]()
		}
		set.Store(socket, struct{}{})
		return set, xsync.UpdateOp
	})
}

func removeFrom(m *xsync.Map[int64, *socketSet], id int64, socket string) {
	m.Compute(id, func(set *socketSet, loaded bool) (*socketSet, xsync.ComputeOp) {
		if !loaded {
			return set, xsync.CancelOp
		}
		set.Delete(socket)
		if set.Size() == 0 {
			return set, xsync.DeleteOp
		}
		return set, xsync.CancelOp
	})
}

// LoginAccount binds a socket to an account. Re-login with the same
// account is a no-op; with a different account the socket's previous
// account and user bindings are torn down first.
func (i *Index) LoginAccount(socket string, accountID int64) {
	if prev, ok := i.accountBySocket.Load(socket); ok {
		if prev == accountID {
			return
		}
		i.LogoutUser(socket)
		removeFrom(i.socketsByAccount, prev, socket)
	}
	i.accountBySocket.Store(socket, accountID)
	addTo(i.socketsByAccount, accountID, socket)
}

// LoginUser binds a socket to a user. Re-login with the same user is a
// no-op; with a different user the previous binding is dropped first.
func (i *Index) LoginUser(socket string, userID int64) {
	if prev, ok := i.userBySocket.Load(socket); ok {
		if prev == userID {
			return
		}
		removeFrom(i.socketsByUser, prev, socket)
	}
	i.userBySocket.Store(socket, userID)
	addTo(i.socketsByUser, userID, socket)
}

// LogoutUser drops the socket's user binding, keeping the account.
func (i *Index) LogoutUser(socket string) {
	if userID, ok := i.userBySocket.LoadAndDelete(socket); ok {
		removeFrom(i.socketsByUser, userID, socket)
	}
}

// Close tears down every binding of a socket in one pass. Safe to call
// for sockets that never logged in.
func (i *Index) Close(socket string) {
	i.LogoutUser(socket)
	if accountID, ok := i.accountBySocket.LoadAndDelete(socket); ok {
		removeFrom(i.socketsByAccount, accountID, socket)
	}
}

// AccountOf returns the account a socket is logged into.
func (i *Index) AccountOf(socket string) (int64, bool) {
	return i.accountBySocket.Load(socket)
}

// UserOf returns the user a socket is logged in as.
func (i *Index) UserOf(socket string) (int64, bool) {
	return i.userBySocket.Load(socket)
}

// IsLoggedIntoAccount reports whether the socket holds an account.
func (i *Index) IsLoggedIntoAccount(socket string) bool {
	_, ok := i.accountBySocket.Load(socket)
	return ok
}

// IsLoggedAsUser reports whether the socket holds a user.
func (i *Index) IsLoggedAsUser(socket string) bool {
	_, ok := i.userBySocket.Load(socket)
	return ok
}

// SocketsOfUser returns every socket logged in as the user.
func (i *Index) SocketsOfUser(userID int64) []string {
	return collect(i.socketsByUser, userID)
}

// SocketsOfAccount returns every socket logged into the account.
func (i *Index) SocketsOfAccount(accountID int64) []string {
	return collect(i.socketsByAccount, accountID)
}

func collect(m *xsync.Map[int64, *socketSet], id int64) []string {
	set, ok := m.Load(id)
	if !ok {
		return nil
	}
	var out []string
	set.Range(func(socket string, _ struct{}) bool {
		out = append(out, socket)
		return true
	})
	return out
}

// OnlineUserIDs returns the ids of every user with at least one socket.
func (i *Index) OnlineUserIDs() []int64 {
	var out []int64
	i.socketsByUser.Range(func(id int64, _ *socketSet) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Stats returns socket and identity counts for maintenance logging.
func (i *Index) Stats() (sockets, accounts, users int) {
	return i.accountBySocket.Size(), i.socketsByAccount.Size(), i.socketsByUser.Size()
}
