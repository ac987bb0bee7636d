package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/pkg/matrixclient"
	"github.com/42wim/mattercomments/pkg/matrixclient/matrixtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestIncrementTransactionID(t *testing.T) {
	s := New("https://hs", Guest, "@1:hs", "tok")

	next := s.IncrementTransactionID()

	assert.Equal(t, int64(0), s.TransactionID())
	assert.Equal(t, int64(1), next.TransactionID())
	assert.Equal(t, "1", next.TxnID())
	assert.Equal(t, int64(5), next.IncrementTransactionID().IncrementTransactionID().
		IncrementTransactionID().IncrementTransactionID().TransactionID())
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, kind := range []Kind{Guest, User} {
		s := New("https://hs", kind, "@alice:hs", "tok").IncrementTransactionID().IncrementTransactionID()

		data, err := s.Marshal()
		require.NoError(t, err)

		got, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestUnmarshalRejects(t *testing.T) {
	tests := []struct {
		Desc string
		Data string
	}{
		{Desc: "not json", Data: `{`},
		{Desc: "unknown kind", Data: `{"kind":"admin","user_id":"@a:hs","access_token":"t"}`},
		{Desc: "missing kind", Data: `{"user_id":"@a:hs","access_token":"t"}`},
		{Desc: "missing token", Data: `{"kind":"guest","user_id":"@a:hs"}`},
		{Desc: "negative txn", Data: `{"kind":"user","user_id":"@a:hs","access_token":"t","txn_id":-1}`},
	}

	for _, tc := range tests {
		_, err := Unmarshal([]byte(tc.Data))
		assert.ErrorIs(t, err, bridge.ErrConfig, tc.Desc)
	}
}

func newClient(t *testing.T) (*matrixtest.Server, *matrixclient.Client) {
	t.Helper()

	srv := matrixtest.NewServer()
	t.Cleanup(srv.Close)

	c, err := matrixclient.New(matrixclient.Config{HomeserverURL: srv.URL})
	require.NoError(t, err)

	return srv, c
}

func TestRegisterGuest(t *testing.T) {
	_, c := newClient(t)

	s, err := RegisterGuest(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, s.IsGuest())
	assert.Equal(t, c.Homeserver(), s.Homeserver())
	assert.Equal(t, "@1:localhost", s.UserID().String())
	assert.Equal(t, int64(0), s.TransactionID())
}

func TestLoginLogout(t *testing.T) {
	srv, c := newClient(t)
	srv.AddUser("alice", "secret")
	ctx := context.Background()

	s, err := Login(ctx, c, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, User, s.Kind())

	require.NoError(t, Logout(ctx, c, s))
	assert.Equal(t, matrixtest.EndpointLogout, srv.Endpoints()[1])

	_, err = Login(ctx, c, "alice", "nope")
	assert.Error(t, err)
}

func TestLogoutGuestIsLocal(t *testing.T) {
	srv, c := newClient(t)
	ctx := context.Background()

	s, err := RegisterGuest(ctx, c)
	require.NoError(t, err)
	srv.Reset()

	assert.NoError(t, Logout(ctx, c, s))
	assert.Empty(t, srv.Calls())
}

func TestStore(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.Get()
	assert.False(t, ok)

	s := New("https://hs", User, "@alice:hs", "tok").IncrementTransactionID()
	require.NoError(t, store.Put(s))

	got, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, s, got)

	require.NoError(t, store.Delete())
	_, ok = store.Get()
	assert.False(t, ok)
}

func TestStoreMalformedEntry(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "session.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStore(db)
	require.NoError(t, err)

	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(currentKey, []byte(`{"kind":"robot"}`))
	})
	require.NoError(t, err)

	_, ok := store.Get()
	assert.False(t, ok)
}
