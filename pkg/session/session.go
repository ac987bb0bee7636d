// Package session holds the identity a comment section talks to the
// homeserver with: a guest or a logged in user, its access token and the
// transaction counter used for idempotent sends.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/pkg/matrixclient"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// Logger is replaced by main with one sharing the application formatter.
var Logger = logrus.WithFields(logrus.Fields{"prefix": "session"})

type Kind int

const (
	Guest Kind = iota
	User
)

func (k Kind) String() string {
	switch k {
	case Guest:
		return "guest"
	case User:
		return "user"
	}

	return "unknown"
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "guest":
		return Guest, nil
	case "user":
		return User, nil
	}

	return 0, fmt.Errorf("%w: unknown session kind %q", bridge.ErrConfig, s)
}

// Session is a value: methods that change it return a new Session.
type Session struct {
	homeserver  string
	kind        Kind
	userID      id.UserID
	accessToken string
	txnID       int64
}

func New(homeserver string, kind Kind, userID id.UserID, accessToken string) Session {
	return Session{
		homeserver:  homeserver,
		kind:        kind,
		userID:      userID,
		accessToken: accessToken,
	}
}

func (s Session) Homeserver() string {
	return s.homeserver
}

func (s Session) Kind() Kind {
	return s.kind
}

func (s Session) IsGuest() bool {
	return s.kind == Guest
}

func (s Session) UserID() id.UserID {
	return s.userID
}

func (s Session) AccessToken() string {
	return s.accessToken
}

func (s Session) TransactionID() int64 {
	return s.txnID
}

// TxnID is the transaction id in the form used in send URLs.
func (s Session) TxnID() string {
	return strconv.FormatInt(s.txnID, 10)
}

// IncrementTransactionID returns s with the transaction counter advanced
// by one. s itself is unchanged.
func (s Session) IncrementTransactionID() Session {
	s.txnID++
	return s
}

func (s Session) String() string {
	return fmt.Sprintf("%s %s@%s txn=%d", s.kind, s.userID, s.homeserver, s.txnID)
}

type persisted struct {
	Homeserver  string `json:"homeserver_url"`
	Kind        string `json:"kind"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	TxnID       int64  `json:"txn_id"`
}

func (s Session) Marshal() ([]byte, error) {
	return json.Marshal(persisted{
		Homeserver:  s.homeserver,
		Kind:        s.kind.String(),
		UserID:      s.userID.String(),
		AccessToken: s.accessToken,
		TxnID:       s.txnID,
	})
}

// Unmarshal decodes a Session written by Marshal. Anything that does not
// describe a usable session is an error.
func Unmarshal(data []byte) (Session, error) {
	var p persisted

	if err := json.Unmarshal(data, &p); err != nil {
		return Session{}, fmt.Errorf("%w: decoding session: %v", bridge.ErrConfig, err)
	}

	kind, err := parseKind(p.Kind)
	if err != nil {
		return Session{}, err
	}

	if p.UserID == "" || p.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: session without user id or access token", bridge.ErrConfig)
	}

	if p.TxnID < 0 {
		return Session{}, fmt.Errorf("%w: negative transaction id %d", bridge.ErrConfig, p.TxnID)
	}

	return Session{
		homeserver:  p.Homeserver,
		kind:        kind,
		userID:      id.UserID(p.UserID),
		accessToken: p.AccessToken,
		txnID:       p.TxnID,
	}, nil
}

// Authenticator is the part of the homeserver client sessions are made with.
type Authenticator interface {
	Homeserver() string
	RegisterGuest(ctx context.Context) (*matrixclient.AuthResponse, error)
	Login(ctx context.Context, user, password string) (*matrixclient.AuthResponse, error)
	Logout(ctx context.Context, token string) error
}

// RegisterGuest creates a new guest account and returns its session.
func RegisterGuest(ctx context.Context, client Authenticator) (Session, error) {
	resp, err := client.RegisterGuest(ctx)
	if err != nil {
		return Session{}, err
	}

	Logger.Debugf("new guest session for %s", resp.UserID)

	return New(client.Homeserver(), Guest, id.UserID(resp.UserID), resp.AccessToken), nil
}

// Login does a password login and returns a User session.
func Login(ctx context.Context, client Authenticator, user, password string) (Session, error) {
	resp, err := client.Login(ctx, user, password)
	if err != nil {
		return Session{}, err
	}

	Logger.Debugf("new user session for %s", resp.UserID)

	return New(client.Homeserver(), User, id.UserID(resp.UserID), resp.AccessToken), nil
}

// Logout invalidates the access token of a User session. Guest sessions
// have no password to log back in with, so they are only forgotten.
func Logout(ctx context.Context, client Authenticator, s Session) error {
	if s.IsGuest() {
		return nil
	}

	return client.Logout(ctx, s.accessToken)
}
