package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/42wim/mattercomments/pkg/matrixclient"
	"github.com/42wim/mattercomments/pkg/session"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// SyncState is where a Syncer is in the bootstrap sequence.
type SyncState int

const (
	Unbootstrapped SyncState = iota
	ResolvingRoom
	FindingSyncPoint
	FetchingBacklog
	FetchingMembers
	Ready
	Failed
)

func (s SyncState) String() string {
	switch s {
	case Unbootstrapped:
		return "Unbootstrapped"
	case ResolvingRoom:
		return "ResolvingRoom"
	case FindingSyncPoint:
		return "FindingSyncPoint"
	case FetchingBacklog:
		return "FetchingBacklog"
	case FetchingMembers:
		return "FetchingMembers"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	}

	return fmt.Sprintf("SyncState(%d)", int(s))
}

// RoomClient is the part of the homeserver client the Syncer needs.
type RoomClient interface {
	ResolveAlias(ctx context.Context, token, alias string) (*matrixclient.ResolveAliasResponse, error)
	SyncPoint(ctx context.Context, token, roomID string) (string, error)
	Messages(ctx context.Context, token, roomID string, opts matrixclient.MessagesOptions) (*matrixclient.MessagesResponse, error)
	Members(ctx context.Context, token, roomID string) (*matrixclient.MembersResponse, error)
}

// Syncer bootstraps a Room and pages through its history.
type Syncer struct {
	client   RoomClient
	pageSize int
	now      func() time.Time
	logger   *logrus.Entry

	mu    sync.Mutex
	state SyncState
	err   error
}

func NewSyncer(client RoomClient, pageSize int) *Syncer {
	return &Syncer{
		client:   client,
		pageSize: pageSize,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Syncer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Err is the reason of a Failed bootstrap.
func (s *Syncer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Syncer) setState(state SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debugf("syncer: %s -> %s", s.state, state)
	s.state = state
}

func (s *Syncer) fail(step string, err error) (*Room, error) {
	err = fmt.Errorf("%s: %w", step, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Errorf("bootstrap failed in %s: %s", s.state, err)
	s.state = Failed
	s.err = err

	return nil, err
}

// Bootstrap resolves alias and loads the newest page of the room plus its
// members. Either every step succeeds and a Room is returned, or the
// Syncer ends up Failed and no Room is returned.
func (s *Syncer) Bootstrap(ctx context.Context, sess session.Session, alias string) (*Room, error) {
	token := sess.AccessToken()

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	s.setState(ResolvingRoom)

	resolved, err := s.client.ResolveAlias(ctx, token, alias)
	if err != nil {
		return s.fail("resolving room", err)
	}

	roomID := resolved.RoomID

	s.setState(FindingSyncPoint)

	cursor, err := s.client.SyncPoint(ctx, token, roomID)
	if err != nil {
		return s.fail("finding sync point", err)
	}

	s.setState(FetchingBacklog)

	page, err := s.client.Messages(ctx, token, roomID, matrixclient.MessagesOptions{
		From:      cursor,
		Direction: matrixclient.Backward,
		Limit:     s.pageSize,
	})
	if err != nil {
		return s.fail("fetching backlog", err)
	}

	events := DecodeEvents(page.Chunk)
	SortEvents(events)

	s.logger.Tracef("backlog %s", spew.Sdump(events))

	s.setState(FetchingMembers)

	membersResp, err := s.client.Members(ctx, token, roomID)
	if err != nil {
		return s.fail("fetching members", err)
	}

	room := &Room{
		alias:       id.RoomAlias(alias),
		id:          id.RoomID(roomID),
		events:      events,
		start:       page.Start,
		end:         page.End,
		members:     MembersFromEvents(DecodeEvents(membersResp.Chunk)),
		lastRefresh: s.now(),
		exhausted:   len(page.Chunk) == 0 || page.End == "",
	}

	if room.start == "" {
		room.start = cursor
	}

	s.setState(Ready)

	s.logger.Infof("room %s (%s) ready: %d events, %d members", alias, roomID, len(events), len(room.members))

	return room, nil
}

// LoadMore fetches the page before room.End(). On error room is still the
// current state.
//
// Once a page came back empty or without an end token the room is
// exhausted, and LoadMore returns it as is without a request. This holds
// for an explicit "load more" from the user too: there is nothing older
// to fetch until the room is bootstrapped again.
func (s *Syncer) LoadMore(ctx context.Context, sess session.Session, room *Room) (*Room, error) {
	if room.Exhausted() {
		s.logger.Debugf("room %s exhausted, not fetching", room.ID())
		return room, nil
	}

	page, err := s.client.Messages(ctx, sess.AccessToken(), room.ID().String(), matrixclient.MessagesOptions{
		From:      room.End(),
		Direction: matrixclient.Backward,
		Limit:     s.pageSize,
	})
	if err != nil {
		return room, fmt.Errorf("loading more: %w", err)
	}

	events := DecodeEvents(page.Chunk)

	s.logger.Debugf("loaded %d older events for %s", len(events), room.ID())
	s.logger.Tracef("older page %s", spew.Sdump(events))

	return room.withOlder(events, page.End), nil
}

// Refresh fetches events newer than room.Start(), for instance the comment
// that was just posted.
func (s *Syncer) Refresh(ctx context.Context, sess session.Session, room *Room) (*Room, error) {
	page, err := s.client.Messages(ctx, sess.AccessToken(), room.ID().String(), matrixclient.MessagesOptions{
		From:      room.Start(),
		Direction: matrixclient.Forward,
		Limit:     s.pageSize,
	})
	if err != nil {
		return room, fmt.Errorf("refreshing: %w", err)
	}

	events := DecodeEvents(page.Chunk)

	s.logger.Debugf("loaded %d newer events for %s", len(events), room.ID())

	return room.withNewer(events, page.End, s.now()), nil
}
