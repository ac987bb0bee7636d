package bridge

import (
	"context"
	"time"
)

// Bridger is the engine behind one comment section.
type Bridger interface {
	Start(ctx context.Context) error
	LoadMore(ctx context.Context) error
	Refresh(ctx context.Context) error
	Post(ctx context.Context, text string) error

	Login(ctx context.Context, cred Credentials) error
	Register(ctx context.Context) error
	Logout(ctx context.Context) error

	Connected() bool
	Exhausted() bool
	Protocol() string

	Comments() []*Comment
	GetMe() *UserInfo
	GetUser(userID string) *UserInfo

	Errors() []error
	DismissError(i int)
	GetLastSentMsgs() []string
}

type UserInfo struct {
	User        string
	DisplayName string
	AvatarURL   string
	Host        string
	Guest       bool
	Me          bool
}

type Credentials struct {
	Login  string
	Pass   string
	Server string
}

// Comment is a message event as the host presents it. Event holds the
// decoded event so renderers can switch on its content.
type Comment struct {
	ID        string
	Sender    *UserInfo
	Timestamp time.Time
	Event     interface{}
}
