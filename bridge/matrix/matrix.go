package matrix

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/config"
	"github.com/42wim/mattercomments/pkg/locator"
	"github.com/42wim/mattercomments/pkg/matrixclient"
	"github.com/42wim/mattercomments/pkg/session"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/id"
)

var errNotStarted = errors.New("comment section not started")

// SessionStore persists the session between runs.
type SessionStore interface {
	Put(sess session.Session) error
	Get() (session.Session, bool)
	Delete() error
}

// Matrix is the state of one comment section: the session, the loaded
// room and the errors shown to the user.
type Matrix struct {
	cfg    *config.Embed
	client *matrixclient.Client
	syncer *Syncer
	store  SessionStore

	sess       session.Session
	hasSession bool
	room       *Room
	connected  bool
	inprogress bool
	errors     []error
	sync.RWMutex

	msgLastSentCache *lru.Cache
	logger           *logrus.Entry
}

// logger serves the package helpers. A Matrix logs through its own entry.
var logger = logrus.WithFields(logrus.Fields{"prefix": "bridge/matrix"})

// New sets up a comment section from v. store may be nil, then sessions
// only live as long as the process.
func New(v *viper.Viper, store SessionStore) (*Matrix, error) {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}

	clientLogger := ourlog.WithFields(logrus.Fields{"prefix": "matrixclient"})

	httpClient, err := newHTTPClient(cfg, clientLogger)
	if err != nil {
		return nil, err
	}

	client, err := matrixclient.New(matrixclient.Config{
		HomeserverURL: cfg.Homeserver,
		HTTPClient:    httpClient,
		Logger:        clientLogger,
	})
	if err != nil {
		return nil, err
	}

	m := &Matrix{
		cfg:    cfg,
		client: client,
		syncer: NewSyncer(client, cfg.PageSize),
		store:  store,
		logger: ourlog.WithFields(logrus.Fields{"prefix": "bridge/matrix"}),
	}
	m.syncer.logger = m.logger
	m.msgLastSentCache, _ = lru.New(10)

	return m, nil
}

// newHTTPClient returns nil, the default client, unless tls is configured.
func newHTTPClient(cfg *config.Embed, log *logrus.Entry) (*http.Client, error) {
	if cfg.TLS.ClientCert == "" {
		if !cfg.TLS.InsecureSkipVerify {
			return nil, nil
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

		return &http.Client{Transport: transport}, nil
	}

	kpr, err := matrixclient.NewKeypairReloader(cfg.TLS.ClientCert, cfg.TLS.ClientKey, log)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tls client certificate: %v", bridge.ErrConfig, err)
	}
	kpr.WatchSIGHUP(nil)

	return kpr.HTTPClient(cfg.TLS.InsecureSkipVerify), nil
}

func (m *Matrix) Protocol() string {
	return "matrix"
}

func (m *Matrix) Config() *config.Embed {
	return m.cfg
}

func (m *Matrix) Locator() *locator.Locator {
	return m.client.Locator()
}

func (m *Matrix) Alias() string {
	return m.cfg.RoomAlias()
}

// MatrixToURL links to the room for people joining with their own client.
func (m *Matrix) MatrixToURL() string {
	return locator.MatrixDotToURL(m.Alias())
}

func (m *Matrix) SyncState() SyncState {
	return m.syncer.State()
}

func (m *Matrix) Room() *Room {
	m.RLock()
	defer m.RUnlock()

	return m.room
}

func (m *Matrix) Session() (session.Session, bool) {
	m.RLock()
	defer m.RUnlock()

	return m.sess, m.hasSession
}

func (m *Matrix) Connected() bool {
	m.RLock()
	defer m.RUnlock()

	return m.connected
}

func (m *Matrix) Exhausted() bool {
	m.RLock()
	defer m.RUnlock()

	return m.room != nil && m.room.Exhausted()
}

// begin marks a request as running. Only one runs at a time.
func (m *Matrix) begin() error {
	m.Lock()
	defer m.Unlock()

	if m.inprogress {
		return bridge.ErrBusy
	}
	m.inprogress = true

	return nil
}

func (m *Matrix) done() {
	m.Lock()
	m.inprogress = false
	m.Unlock()
}

func (m *Matrix) addError(err error) {
	m.logger.Errorf("%s: %s", bridge.Kind(err), err)

	m.Lock()
	m.errors = append(m.errors, err)
	m.Unlock()
}

// Errors are the errors not dismissed yet, oldest first.
func (m *Matrix) Errors() []error {
	m.RLock()
	defer m.RUnlock()

	return append([]error(nil), m.errors...)
}

func (m *Matrix) DismissError(i int) {
	m.Lock()
	defer m.Unlock()

	if i < 0 || i >= len(m.errors) {
		return
	}

	m.errors = append(m.errors[:i], m.errors[i+1:]...)
}

func (m *Matrix) setSession(sess session.Session) {
	m.Lock()
	m.sess = sess
	m.hasSession = true
	m.Unlock()

	if m.store == nil {
		return
	}

	if err := m.store.Put(sess); err != nil {
		m.logger.Warnf("storing session: %s", err)
	}
}

func (m *Matrix) storedSession() (session.Session, bool) {
	if m.store == nil {
		return session.Session{}, false
	}

	sess, ok := m.store.Get()
	if !ok {
		return session.Session{}, false
	}

	if sess.Homeserver() != m.client.Homeserver() {
		m.logger.Warnf("stored session is for %s, not %s; ignoring it", sess.Homeserver(), m.client.Homeserver())
		return session.Session{}, false
	}

	return sess, true
}

// Start picks up the stored session or registers a guest, then loads the
// room.
func (m *Matrix) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	sess, ok := m.storedSession()
	if ok {
		m.logger.Debugf("using stored session %s", sess)
	} else {
		var err error

		sess, err = session.RegisterGuest(ctx, m.client)
		if err != nil {
			m.addError(err)
			return err
		}
	}

	m.setSession(sess)

	err := m.bootstrap(ctx, sess)
	if err != nil && ok && bridge.IsMatrixCode(err, "M_UNKNOWN_TOKEN") {
		m.logger.Warnf("stored session for %s is no longer valid, forgetting it", sess.UserID())
		m.forgetSession()
	}

	return err
}

func (m *Matrix) forgetSession() {
	m.Lock()
	m.sess = session.Session{}
	m.hasSession = false
	m.Unlock()

	if m.store == nil {
		return
	}

	if err := m.store.Delete(); err != nil {
		m.logger.Warnf("deleting stored session: %s", err)
	}
}

// bootstrap replaces the room with a freshly loaded one. On failure the
// section is left without a room.
func (m *Matrix) bootstrap(ctx context.Context, sess session.Session) error {
	m.Lock()
	m.room = nil
	m.connected = false
	m.Unlock()

	room, err := m.syncer.Bootstrap(ctx, sess, m.Alias())
	if err != nil {
		m.addError(err)
		return err
	}

	room = m.autoFill(ctx, sess, room)

	m.Lock()
	m.room = room
	m.connected = true
	m.Unlock()

	return nil
}

// autoFill loads older pages until a page worth of messages is visible,
// at most cfg.AutoFill times. An empty page ends it.
func (m *Matrix) autoFill(ctx context.Context, sess session.Session, room *Room) *Room {
	for i := 0; i < m.cfg.AutoFill; i++ {
		if room.Exhausted() || len(room.Messages()) >= m.cfg.PageSize {
			break
		}

		more, err := m.syncer.LoadMore(ctx, sess, room)
		if err != nil {
			m.addError(err)
			break
		}
		room = more
	}

	return room
}

func (m *Matrix) current() (session.Session, *Room, error) {
	m.RLock()
	defer m.RUnlock()

	if !m.hasSession || m.room == nil {
		return session.Session{}, nil, errNotStarted
	}

	return m.sess, m.room, nil
}

// LoadMore loads the next older page. A failure keeps the loaded comments
// and is added to Errors. Once Exhausted reports true LoadMore is a no-op,
// even when the user asks for more.
func (m *Matrix) LoadMore(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	sess, room, err := m.current()
	if err != nil {
		return err
	}

	room, err = m.syncer.LoadMore(ctx, sess, room)
	if err != nil {
		m.addError(err)
		return err
	}

	m.Lock()
	m.room = room
	m.Unlock()

	return nil
}

// Refresh loads comments newer than the loaded ones.
func (m *Matrix) Refresh(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	return m.refresh(ctx)
}

func (m *Matrix) refresh(ctx context.Context) error {
	sess, room, err := m.current()
	if err != nil {
		return err
	}

	room, err = m.syncer.Refresh(ctx, sess, room)
	if err != nil {
		m.addError(err)
		return err
	}

	m.Lock()
	m.room = room
	m.Unlock()

	return nil
}

// Post sends text as a comment and refreshes the room so it shows up.
func (m *Matrix) Post(ctx context.Context, text string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	sess, room, err := m.current()
	if err != nil {
		return err
	}

	if err := checkCanPost(sess, m.cfg.GuestPosting); err != nil {
		m.addError(err)
		return err
	}

	posted, err := PostComment(ctx, m.client, sess, room.ID().String(), TextContent(text, m.cfg.Post.Markdown))
	if posted.Sent {
		m.logger.Debugf("sent %s to %s with txn %s", posted.EventID, room.ID(), sess.TxnID())
		m.setSession(sess.IncrementTransactionID())
		m.msgLastSentCache.Add(posted.EventID, fmt.Sprintf("%s: %s", m.Alias(), text))
	}

	if err != nil {
		m.addError(err)
		return err
	}

	return m.refresh(ctx)
}

// Login replaces the session with a logged in user and reloads the room.
func (m *Matrix) Login(ctx context.Context, cred bridge.Credentials) error {
	if !m.cfg.LoginEnabled {
		return fmt.Errorf("%w: login is disabled", bridge.ErrConfig)
	}

	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	sess, err := session.Login(ctx, m.client, cred.Login, cred.Pass)
	if err != nil {
		m.addError(err)
		return err
	}

	m.setSession(sess)

	return m.bootstrap(ctx, sess)
}

// Register replaces the session with a new guest and reloads the room.
func (m *Matrix) Register(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	sess, err := session.RegisterGuest(ctx, m.client)
	if err != nil {
		m.addError(err)
		return err
	}

	m.setSession(sess)

	return m.bootstrap(ctx, sess)
}

// Logout ends the session. The stored session is removed even when the
// homeserver could not be told.
func (m *Matrix) Logout(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.done()

	m.RLock()
	sess, ok := m.sess, m.hasSession
	m.RUnlock()

	if !ok {
		sess, ok = m.storedSession()
	}

	var err error
	if ok {
		err = session.Logout(ctx, m.client, sess)
	}

	m.forgetSession()

	m.Lock()
	m.room = nil
	m.connected = false
	m.Unlock()

	if err != nil {
		m.addError(err)
	}

	return err
}

// Comments are the loaded message events, oldest first.
func (m *Matrix) Comments() []*bridge.Comment {
	room := m.Room()
	if room == nil {
		return nil
	}

	var comments []*bridge.Comment

	for _, msg := range room.Messages() {
		comments = append(comments, &bridge.Comment{
			ID:        msg.ID,
			Sender:    m.createUser(room, msg.Sender),
			Timestamp: msg.Time(),
			Event:     msg,
		})
	}

	return comments
}

func (m *Matrix) GetUser(userID string) *bridge.UserInfo {
	return m.createUser(m.Room(), id.UserID(userID))
}

func (m *Matrix) GetMe() *bridge.UserInfo {
	sess, ok := m.Session()
	if !ok {
		return nil
	}

	return m.createUser(m.Room(), sess.UserID())
}

func (m *Matrix) createUser(room *Room, userID id.UserID) *bridge.UserInfo {
	nick, host, err := userID.Parse()
	if err != nil {
		m.logger.Debugf("unparsable user id %q: %s", userID, err)
		return &bridge.UserInfo{User: userID.String(), DisplayName: userID.String()}
	}

	info := &bridge.UserInfo{
		User:        userID.String(),
		DisplayName: nick,
		Host:        host,
	}

	if room != nil {
		if member, ok := room.Member(userID); ok {
			if member.DisplayName != "" {
				info.DisplayName = member.DisplayName
			}
			if avatar, ok := m.Locator().ThumbnailURL(member.AvatarURL); ok {
				info.AvatarURL = avatar
			}
		}
	}

	if sess, ok := m.Session(); ok && sess.UserID() == userID {
		info.Me = true
		info.Guest = sess.IsGuest()
	}

	return info
}

// GetLastSentMsgs lists the comments posted from here recently.
func (m *Matrix) GetLastSentMsgs() []string {
	data := make([]string, 0)

	for _, k := range m.msgLastSentCache.Keys() {
		if v, ok := m.msgLastSentCache.Get(k); ok {
			msg, _ := v.(string)
			data = append(data, fmt.Sprintf("[@@%s] %s", k, msg))
		}
	}

	return data
}

var _ bridge.Bridger = (*Matrix)(nil)
