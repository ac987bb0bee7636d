package matrix

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/pkg/matrixclient"
	"github.com/42wim/mattercomments/pkg/matrixclient/matrixtest"
	"github.com/42wim/mattercomments/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAlias = "#comments_myblog_october-blogpost:localhost"
	testRoom  = "!room:localhost"
)

func newFixture(t *testing.T) (*matrixtest.Server, *matrixclient.Client, session.Session) {
	t.Helper()

	srv := matrixtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddRoom(testAlias, testRoom)

	c, err := matrixclient.New(matrixclient.Config{HomeserverURL: srv.URL})
	require.NoError(t, err)

	sess, err := session.RegisterGuest(context.Background(), c)
	require.NoError(t, err)

	srv.Reset()

	return srv, c, sess
}

// addBacklog serves three messages, newest first as /messages does.
func addBacklog(srv *matrixtest.Server) {
	srv.AddPage(testRoom, "b", "s_now", matrixtest.Page{
		Start: "s_now",
		End:   "t_1",
		Chunk: []interface{}{
			matrixtest.TextEvent("$b", "@alice:localhost", 20, "second"),
			matrixtest.TextEvent("$c", "@bob:localhost", 30, "third"),
			matrixtest.TextEvent("$a", "@alice:localhost", 10, "first"),
		},
	})
	srv.SetMembers(testRoom,
		matrixtest.MemberEvent("@alice:localhost", "Alice", "mxc://localhost/alice"),
		matrixtest.MemberEvent("@bob:localhost", "", ""),
	)
}

func messageIDs(room *Room) []string {
	var ids []string
	for _, msg := range room.Messages() {
		ids = append(ids, msg.ID)
	}

	return ids
}

func TestBootstrap(t *testing.T) {
	srv, c, sess := newFixture(t)
	addBacklog(srv)

	now := time.Unix(1600000000, 0)
	s := NewSyncer(c, 10)
	s.now = func() time.Time { return now }

	assert.Equal(t, Unbootstrapped, s.State())

	room, err := s.Bootstrap(context.Background(), sess, testAlias)
	require.NoError(t, err)

	assert.Equal(t, Ready, s.State())
	assert.Equal(t, []string{
		matrixtest.EndpointDirectory,
		matrixtest.EndpointEvents,
		matrixtest.EndpointMessages,
		matrixtest.EndpointMembers,
	}, srv.Endpoints())

	for _, call := range srv.Calls() {
		assert.Equal(t, sess.AccessToken(), call.Token)
	}

	messages := srv.Calls()[2]
	assert.Equal(t, "b", messages.Query.Get("dir"))
	assert.Equal(t, "s_now", messages.Query.Get("from"))
	assert.Equal(t, "10", messages.Query.Get("limit"))
	assert.Equal(t, testRoom, srv.Calls()[1].Query.Get("room_id"))
	assert.Equal(t, "0", srv.Calls()[1].Query.Get("timeout"))

	assert.Equal(t, testRoom, room.ID().String())
	assert.Equal(t, testAlias, room.Alias().String())
	assert.Equal(t, []string{"$a", "$b", "$c"}, messageIDs(room))
	assert.Equal(t, "s_now", room.Start())
	assert.Equal(t, "t_1", room.End())
	assert.Equal(t, now, room.LastRefresh())
	assert.False(t, room.Exhausted())
	assert.Equal(t, 2, room.MemberCount())

	alice, ok := room.Member("@alice:localhost")
	require.True(t, ok)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.Equal(t, "mxc://localhost/alice", alice.AvatarURL)
}

func TestBootstrapFailures(t *testing.T) {
	tests := []struct {
		Desc     string
		Endpoint string
		Status   int
		Calls    int
		Is       error
	}{
		{Desc: "unknown alias", Endpoint: matrixtest.EndpointDirectory, Status: http.StatusNotFound, Calls: 1, Is: bridge.ErrResolution},
		{Desc: "sync point", Endpoint: matrixtest.EndpointEvents, Status: http.StatusBadGateway, Calls: 2},
		{Desc: "backlog", Endpoint: matrixtest.EndpointMessages, Status: http.StatusForbidden, Calls: 3},
		{Desc: "members", Endpoint: matrixtest.EndpointMembers, Status: http.StatusInternalServerError, Calls: 4},
	}

	for _, tc := range tests {
		srv, c, sess := newFixture(t)
		addBacklog(srv)
		srv.Fail(tc.Endpoint, tc.Status)

		s := NewSyncer(c, 10)
		room, err := s.Bootstrap(context.Background(), sess, testAlias)

		assert.Nil(t, room, tc.Desc)
		require.Error(t, err, tc.Desc)
		assert.Equal(t, Failed, s.State(), tc.Desc)
		assert.Equal(t, err, s.Err(), tc.Desc)
		assert.Len(t, srv.Calls(), tc.Calls, tc.Desc)

		if tc.Is != nil {
			assert.ErrorIs(t, err, tc.Is, tc.Desc)
		} else {
			assert.True(t, bridge.IsStatus(err, tc.Status), tc.Desc)
		}
	}
}

func TestBootstrapBadBody(t *testing.T) {
	srv, c, sess := newFixture(t)
	addBacklog(srv)
	srv.RawResponse(matrixtest.EndpointEvents, `{"start":"x"}`)

	s := NewSyncer(c, 10)
	_, err := s.Bootstrap(context.Background(), sess, testAlias)

	assert.ErrorIs(t, err, bridge.ErrBadBody)
	assert.Equal(t, Failed, s.State())
}

func TestLoadMore(t *testing.T) {
	srv, c, sess := newFixture(t)
	addBacklog(srv)
	srv.AddPage(testRoom, "b", "t_1", matrixtest.Page{
		Start: "t_1",
		End:   "t_2",
		Chunk: []interface{}{
			matrixtest.TextEvent("$0", "@bob:localhost", 5, "zeroth"),
			// overlaps the first page
			matrixtest.TextEvent("$a", "@alice:localhost", 10, "first"),
		},
	})

	ctx := context.Background()
	s := NewSyncer(c, 10)

	room, err := s.Bootstrap(ctx, sess, testAlias)
	require.NoError(t, err)

	more, err := s.LoadMore(ctx, sess, room)
	require.NoError(t, err)

	assert.Equal(t, []string{"$0", "$a", "$b", "$c"}, messageIDs(more))
	assert.Equal(t, "t_2", more.End())
	assert.Equal(t, []string{"$a", "$b", "$c"}, messageIDs(room), "earlier room value unchanged")

	// t_2 has no page: empty chunk
	last, err := s.LoadMore(ctx, sess, more)
	require.NoError(t, err)
	assert.True(t, last.Exhausted())
	assert.Equal(t, messageIDs(more), messageIDs(last))

	srv.Reset()

	same, err := s.LoadMore(ctx, sess, last)
	require.NoError(t, err)
	assert.Same(t, last, same)
	assert.Empty(t, srv.Calls(), "exhausted room does not fetch")
}

func TestLoadMoreLastPageWithoutEnd(t *testing.T) {
	srv, c, sess := newFixture(t)
	addBacklog(srv)
	srv.AddPage(testRoom, "b", "t_1", matrixtest.Page{
		Start: "t_1",
		Chunk: []interface{}{matrixtest.TextEvent("$0", "@bob:localhost", 5, "zeroth")},
	})

	ctx := context.Background()
	s := NewSyncer(c, 10)

	room, err := s.Bootstrap(ctx, sess, testAlias)
	require.NoError(t, err)
	require.False(t, room.Exhausted())

	for i := 0; i < 3; i++ {
		room, err = s.LoadMore(ctx, sess, room)
		require.NoError(t, err)
	}

	assert.True(t, room.Exhausted())
	assert.Equal(t, "t_1", room.End())
	assert.Equal(t, []string{"$0", "$a", "$b", "$c"}, messageIDs(room))

	var fetches []string
	for _, call := range srv.Calls() {
		if call.Endpoint == matrixtest.EndpointMessages {
			fetches = append(fetches, call.Query.Get("from"))
		}
	}
	assert.Equal(t, []string{"s_now", "t_1"}, fetches, "the last page is fetched once")
}

func TestBootstrapBacklogWithoutEnd(t *testing.T) {
	srv, c, sess := newFixture(t)
	srv.AddPage(testRoom, "b", "s_now", matrixtest.Page{
		Start: "s_now",
		Chunk: []interface{}{matrixtest.TextEvent("$a", "@alice:localhost", 10, "only")},
	})

	room, err := NewSyncer(c, 10).Bootstrap(context.Background(), sess, testAlias)
	require.NoError(t, err)
	assert.True(t, room.Exhausted())
	assert.Equal(t, []string{"$a"}, messageIDs(room))
}

func TestLoadMoreFailureKeepsRoom(t *testing.T) {
	srv, c, sess := newFixture(t)
	addBacklog(srv)

	ctx := context.Background()
	s := NewSyncer(c, 10)

	room, err := s.Bootstrap(ctx, sess, testAlias)
	require.NoError(t, err)

	srv.Fail(matrixtest.EndpointMessages, http.StatusServiceUnavailable)

	got, err := s.LoadMore(ctx, sess, room)
	assert.True(t, bridge.IsStatus(err, http.StatusServiceUnavailable))
	assert.Same(t, room, got)
	assert.Equal(t, Ready, s.State())
}

func TestRefresh(t *testing.T) {
	srv, c, sess := newFixture(t)
	addBacklog(srv)
	srv.AddPage(testRoom, "f", "s_now", matrixtest.Page{
		Start: "s_now",
		End:   "s_next",
		Chunk: []interface{}{matrixtest.TextEvent("$d", "@1:localhost", 40, "fourth")},
	})

	ctx := context.Background()
	s := NewSyncer(c, 10)

	room, err := s.Bootstrap(ctx, sess, testAlias)
	require.NoError(t, err)

	later := time.Unix(1700000000, 0)
	s.now = func() time.Time { return later }

	fresh, err := s.Refresh(ctx, sess, room)
	require.NoError(t, err)

	assert.Equal(t, []string{"$a", "$b", "$c", "$d"}, messageIDs(fresh))
	assert.Equal(t, "s_next", fresh.Start())
	assert.Equal(t, "t_1", fresh.End())
	assert.Equal(t, later, fresh.LastRefresh())
	assert.Equal(t, "f", srv.Calls()[len(srv.Calls())-1].Query.Get("dir"))
}
