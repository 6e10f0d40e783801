package model

import (
	"github.com/tilefall/tilefall/internal/entity"
)

// Account is a login identity. Accounts own users but never appear in the
// world and never synchronize.
type Account struct {
	entity.Base
	tr *entity.Tracker

	Name      string
	Mail      string
	PassHash  string
	Token     string
	CreatedAt int64 // unix nanoseconds
}

var accountSchema = entity.NewSchema("account",
	entity.Scalar("name"),
	entity.Scalar("mail"),
	entity.Scalar("pass_hash"),
	entity.Scalar("token"),
	entity.Scalar("created_at_ns"),
)

func (a *Account) ModelName() string { return "account" }

func (a *Account) FieldValue(field string) (any, bool) {
	switch field {
	case "name":
		return a.Name, true
	case "mail":
		return a.Mail, true
	case "pass_hash":
		return a.PassHash, true
	case "token":
		return a.Token, true
	case "created_at_ns":
		return a.CreatedAt, true
	}
	return nil, false
}

func (a *Account) ApplyRow(row entity.Row) {
	a.Name = row.String("name")
	a.Mail = row.String("mail")
	a.PassHash = row.String("pass_hash")
	a.Token = row.String("token")
	a.CreatedAt = row.Int64("created_at_ns")
}

func (a *Account) SetToken(token string) {
	if a.Token == token {
		return
	}
	old := a.Token
	a.Token = token
	a.tr.Update(a, "token", old)
}

func (a *Account) SetMail(mail string) {
	if a.Mail == mail {
		return
	}
	old := a.Mail
	a.Mail = mail
	a.tr.Update(a, "mail", old)
}

func (a *Account) SetPassHash(hash string) {
	if a.PassHash == hash {
		return
	}
	old := a.PassHash
	a.PassHash = hash
	a.tr.Update(a, "pass_hash", old)
}
