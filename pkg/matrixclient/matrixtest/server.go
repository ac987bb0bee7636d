// Package matrixtest runs an in-process fake homeserver that implements the
// handful of client-server endpoints the comment engine uses.
package matrixtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/42wim/mattercomments/pkg/locator"
)

// Endpoint names used by Fail, RawResponse and Call.Endpoint.
const (
	EndpointRegister  = "register"
	EndpointLogin     = "login"
	EndpointLogout    = "logout"
	EndpointDirectory = "directory"
	EndpointEvents    = "events"
	EndpointMessages  = "messages"
	EndpointMembers   = "members"
	EndpointJoin      = "join"
	EndpointLeave     = "leave"
	EndpointSend      = "send"
)

type Call struct {
	Endpoint  string
	Method    string
	Path      string
	Token     string
	UserAgent string
	Query     url.Values
	Body      []byte
}

// Page is one /messages answer. Chunk entries are marshaled as JSON, so
// maps, structs and json.RawMessage all work.
type Page struct {
	Start string
	End   string
	Chunk []interface{}
}

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	aliases   map[string]string
	syncToken string
	pages     map[string]Page
	members   map[string][]interface{}
	users     map[string]string
	tokens    map[string]string
	failures  map[string]int
	raw       map[string]string
	txns      map[string]string
	calls     []Call
	nextGuest int
}

func NewServer() *Server {
	s := &Server{
		aliases:   make(map[string]string),
		syncToken: "s_now",
		pages:     make(map[string]Page),
		members:   make(map[string][]interface{}),
		users:     make(map[string]string),
		tokens:    make(map[string]string),
		failures:  make(map[string]int),
		raw:       make(map[string]string),
		txns:      make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))

	return s
}

func (s *Server) AddRoom(alias, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aliases[alias] = roomID
}

func (s *Server) SetSyncToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncToken = token
}

// AddPage serves page for /messages requests on roomID with the given dir
// and from token.
func (s *Server) AddPage(roomID, dir, from string, page Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[pageKey(roomID, dir, from)] = page
}

func (s *Server) SetMembers(roomID string, members ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[roomID] = members
}

func (s *Server) AddUser(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user] = password
}

// Fail makes every request to endpoint answer with status.
func (s *Server) Fail(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[endpoint] = status
}

// Recover undoes Fail.
func (s *Server) Recover(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, endpoint)
}

// RawResponse makes endpoint answer 200 with body verbatim.
func (s *Server) RawResponse(endpoint, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw[endpoint] = body
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Call(nil), s.calls...)
}

// Endpoints lists the endpoint of every call so far, in order.
func (s *Server) Endpoints() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Endpoint)
	}

	return out
}

func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = nil
}

func pageKey(roomID, dir, from string) string {
	return roomID + "|" + dir + "|" + from
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": msg})
}

func route(path string) (endpoint string, args []string) {
	rest := strings.TrimPrefix(path, locator.ClientPrefix+"/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "register":
		return EndpointRegister, nil
	case rest == "login":
		return EndpointLogin, nil
	case rest == "logout":
		return EndpointLogout, nil
	case rest == "events":
		return EndpointEvents, nil
	case len(parts) >= 3 && parts[0] == "directory" && parts[1] == "room":
		return EndpointDirectory, []string{strings.Join(parts[2:], "/")}
	case len(parts) == 3 && parts[0] == "rooms":
		switch parts[2] {
		case "messages", "members", "join", "leave":
			return parts[2], []string{parts[1]}
		}
	case len(parts) == 5 && parts[0] == "rooms" && parts[2] == "send":
		return EndpointSend, []string{parts[1], parts[3], parts[4]}
	}

	return "", nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	endpoint, args := route(r.URL.Path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{
		Endpoint:  endpoint,
		Method:    r.Method,
		Path:      r.URL.Path,
		Token:     token,
		UserAgent: r.UserAgent(),
		Query:     r.URL.Query(),
		Body:      body,
	})

	if endpoint == "" {
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
		return
	}

	if status, ok := s.failures[endpoint]; ok {
		writeError(w, status, "M_UNKNOWN", "injected failure")
		return
	}

	if raw, ok := s.raw[endpoint]; ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, raw)
		return
	}

	switch endpoint {
	case EndpointRegister, EndpointLogin, EndpointDirectory:
	default:
		if _, ok := s.tokens[token]; !ok {
			writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown token")
			return
		}
	}

	switch endpoint {
	case EndpointRegister:
		s.register(w, r)
	case EndpointLogin:
		s.login(w, body)
	case EndpointLogout:
		delete(s.tokens, token)
		writeJSON(w, http.StatusOK, struct{}{})
	case EndpointDirectory:
		roomID, ok := s.aliases[args[0]]
		if !ok {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND", "room alias not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"room_id": roomID, "servers": []string{"localhost"}})
	case EndpointEvents:
		writeJSON(w, http.StatusOK, map[string]interface{}{"start": s.syncToken, "end": s.syncToken, "chunk": []interface{}{}})
	case EndpointMessages:
		s.messages(w, r, args[0])
	case EndpointMembers:
		chunk := s.members[args[0]]
		if chunk == nil {
			chunk = []interface{}{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"chunk": chunk})
	case EndpointJoin:
		writeJSON(w, http.StatusOK, map[string]string{"room_id": args[0]})
	case EndpointLeave:
		writeJSON(w, http.StatusOK, struct{}{})
	case EndpointSend:
		key := token + "|" + args[2]
		eventID, ok := s.txns[key]
		if !ok {
			eventID = fmt.Sprintf("$event%d", len(s.txns)+1)
			s.txns[key] = eventID
		}
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("kind") != "guest" {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "registration disabled")
		return
	}

	s.nextGuest++
	userID := fmt.Sprintf("@%d:localhost", s.nextGuest)
	token := fmt.Sprintf("guest_token_%d", s.nextGuest)
	s.tokens[token] = userID

	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "access_token": token, "device_id": "GUEST"})
}

func (s *Server) login(w http.ResponseWriter, body []byte) {
	var req struct {
		Type       string `json:"type"`
		Identifier struct {
			Type string `json:"type"`
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}

	if err := json.Unmarshal(body, &req); err != nil || req.Type != "m.login.password" || req.Identifier.Type != "m.id.user" {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "bad login request")
		return
	}

	password, ok := s.users[req.Identifier.User]
	if !ok || password != req.Password {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid password")
		return
	}

	userID := req.Identifier.User
	if !strings.HasPrefix(userID, "@") {
		userID = "@" + userID + ":localhost"
	}

	token := fmt.Sprintf("user_token_%d", len(s.tokens)+1)
	s.tokens[token] = userID

	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "access_token": token, "device_id": "DEV"})
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request, roomID string) {
	q := r.URL.Query()
	dir, from := q.Get("dir"), q.Get("from")

	page, ok := s.pages[pageKey(roomID, dir, from)]
	if !ok {
		// past the end of history: empty chunk, no end token
		writeJSON(w, http.StatusOK, map[string]interface{}{"start": from, "chunk": []interface{}{}})
		return
	}

	chunk := page.Chunk
	if chunk == nil {
		chunk = []interface{}{}
	}

	resp := map[string]interface{}{"start": page.Start, "chunk": chunk}
	if page.End != "" {
		resp["end"] = page.End
	}

	writeJSON(w, http.StatusOK, resp)
}

// TextEvent builds an m.text message event.
func TextEvent(eventID, sender string, ts int64, body string) map[string]interface{} {
	return MessageEvent(eventID, sender, ts, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	})
}

func MessageEvent(eventID, sender string, ts int64, content map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":             "m.room.message",
		"event_id":         eventID,
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          content,
	}
}

// MemberEvent builds a joined m.room.member state event.
func MemberEvent(userID, displayName, avatarURL string) map[string]interface{} {
	content := map[string]interface{}{"membership": "join"}
	if displayName != "" {
		content["displayname"] = displayName
	}
	if avatarURL != "" {
		content["avatar_url"] = avatarURL
	}

	return map[string]interface{}{
		"type":             "m.room.member",
		"event_id":         "$member_" + userID,
		"sender":           userID,
		"state_key":        userID,
		"origin_server_ts": 1,
		"content":          content,
	}
}
