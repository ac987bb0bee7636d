package matrix

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/42wim/mattercomments/pkg/sanitize"
	"github.com/mitchellh/mapstructure"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventHeader is shared by every RoomEvent variant.
type EventHeader struct {
	ID             string
	Type           string
	Sender         id.UserID
	OriginServerTS int64
}

func (h EventHeader) Head() EventHeader {
	return h
}

func (h EventHeader) Time() time.Time {
	return time.Unix(0, h.OriginServerTS*int64(time.Millisecond))
}

// RoomEvent is one of *MessageEvent, *StateEvent or *UnsupportedEvent.
type RoomEvent interface {
	Head() EventHeader
	roomEvent()
}

type MessageEvent struct {
	EventHeader
	Content Message
}

type StateEvent struct {
	EventHeader
	StateKey string
	Content  State
}

// UnsupportedEvent is anything that is neither a message nor a state
// event, or that could not be decoded at all.
type UnsupportedEvent struct {
	EventHeader
	Raw json.RawMessage
}

func (*MessageEvent) roomEvent()     {}
func (*StateEvent) roomEvent()       {}
func (*UnsupportedEvent) roomEvent() {}

// Message is the content of a MessageEvent: Text, Emote, Notice, Image,
// File, Video, Audio, Location or UnsupportedMessage.
type Message interface {
	message()
}

// FormattedText is Plain or HTML.
type FormattedText interface {
	formattedText()
}

type Plain struct {
	Text string
}

// HTML holds the parsed formatted_body as it arrived. It must go through
// a sanitize.Sanitizer before it is rendered.
type HTML struct {
	Nodes []*sanitize.Node
}

func (Plain) formattedText() {}
func (HTML) formattedText()  {}

type MediaInfo struct {
	MimeType     string `json:"mimetype"`
	Size         int    `json:"size"`
	Width        int    `json:"w"`
	Height       int    `json:"h"`
	Duration     int    `json:"duration"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type Text struct {
	Body      string
	Formatted FormattedText
}

type Emote struct {
	Body      string
	Formatted FormattedText
}

type Notice struct {
	Body      string
	Formatted FormattedText
}

type Image struct {
	Body string    `json:"body"`
	URL  string    `json:"url"`
	Info MediaInfo `json:"info"`
}

type File struct {
	Body     string    `json:"body"`
	Filename string    `json:"filename"`
	URL      string    `json:"url"`
	Info     MediaInfo `json:"info"`
}

type Video struct {
	Body string    `json:"body"`
	URL  string    `json:"url"`
	Info MediaInfo `json:"info"`
}

type Audio struct {
	Body string    `json:"body"`
	URL  string    `json:"url"`
	Info MediaInfo `json:"info"`
}

type Location struct {
	Body   string `json:"body"`
	GeoURI string `json:"geo_uri"`
}

// UnsupportedMessage keeps the msgtype of content we could not decode.
type UnsupportedMessage struct {
	MsgType string
	Body    string
}

func (Text) message()               {}
func (Emote) message()              {}
func (Notice) message()             {}
func (Image) message()              {}
func (File) message()               {}
func (Video) message()              {}
func (Audio) message()              {}
func (Location) message()           {}
func (UnsupportedMessage) message() {}

// State is the content of a StateEvent: Member, RoomName, RoomTopic or
// UnsupportedState.
type State interface {
	state()
}

type Member struct {
	UserID      id.UserID
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

type RoomName struct {
	Name string `json:"name"`
}

type RoomTopic struct {
	Topic string `json:"topic"`
}

type UnsupportedState struct {
	Type string
}

func (Member) state()           {}
func (RoomName) state()         {}
func (RoomTopic) state()        {}
func (UnsupportedState) state() {}

type envelope struct {
	EventID        string                 `json:"event_id"`
	Type           string                 `json:"type"`
	Sender         string                 `json:"sender"`
	StateKey       *string                `json:"state_key"`
	OriginServerTS int64                  `json:"origin_server_ts"`
	Content        map[string]interface{} `json:"content"`
}

type textContent struct {
	Body          string `json:"body"`
	Format        string `json:"format"`
	FormattedBody string `json:"formatted_body"`
}

// decode is mapstructure.Decode using the json field names.
func decode(input interface{}, output interface{}) error {
	config := &mapstructure.DecoderConfig{
		Metadata: nil,
		Result:   output,
		TagName:  "json",
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// DecodeEvent never fails: whatever cannot be understood becomes an
// UnsupportedEvent, UnsupportedMessage or UnsupportedState.
func DecodeEvent(raw json.RawMessage) RoomEvent {
	var env envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Debugf("undecodable event: %s", err)
		return &UnsupportedEvent{Raw: raw}
	}

	head := EventHeader{
		ID:             env.EventID,
		Type:           env.Type,
		Sender:         id.UserID(env.Sender),
		OriginServerTS: env.OriginServerTS,
	}

	switch {
	case env.Type == event.EventMessage.Type:
		return &MessageEvent{EventHeader: head, Content: decodeMessage(env.Content)}
	case env.StateKey != nil:
		return &StateEvent{
			EventHeader: head,
			StateKey:    *env.StateKey,
			Content:     decodeState(env.Type, *env.StateKey, env.Content),
		}
	}

	return &UnsupportedEvent{EventHeader: head, Raw: raw}
}

// DecodeEvents decodes a chunk in order.
func DecodeEvents(chunk []json.RawMessage) []RoomEvent {
	events := make([]RoomEvent, 0, len(chunk))
	for _, raw := range chunk {
		events = append(events, DecodeEvent(raw))
	}

	return events
}

func decodeMessage(content map[string]interface{}) Message {
	msgType, _ := content["msgtype"].(string)
	body, hasBody := content["body"].(string)

	unsupported := UnsupportedMessage{MsgType: msgType, Body: body}
	if !hasBody {
		return unsupported
	}

	var (
		msg Message
		err error
	)

	switch event.MessageType(msgType) {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		var c textContent
		if err = decode(content, &c); err != nil {
			break
		}

		formatted := formatText(c)

		switch event.MessageType(msgType) {
		case event.MsgText:
			msg = Text{Body: c.Body, Formatted: formatted}
		case event.MsgEmote:
			msg = Emote{Body: c.Body, Formatted: formatted}
		default:
			msg = Notice{Body: c.Body, Formatted: formatted}
		}
	case event.MsgImage:
		var c Image
		err = decode(content, &c)
		msg = c
	case event.MsgFile:
		var c File
		err = decode(content, &c)
		msg = c
	case event.MsgVideo:
		var c Video
		err = decode(content, &c)
		msg = c
	case event.MsgAudio:
		var c Audio
		err = decode(content, &c)
		msg = c
	case event.MsgLocation:
		var c Location
		err = decode(content, &c)
		msg = c
	default:
		return unsupported
	}

	if err != nil {
		logger.Debugf("undecodable %s content: %s", msgType, err)
		return unsupported
	}

	return msg
}

func formatText(c textContent) FormattedText {
	if event.Format(c.Format) != event.FormatHTML || c.FormattedBody == "" {
		return Plain{Text: c.Body}
	}

	nodes, err := sanitize.Parse(c.FormattedBody)
	if err != nil {
		logger.Debugf("falling back to plain body: %s", err)
		return Plain{Text: c.Body}
	}

	return HTML{Nodes: nodes}
}

func decodeState(evType, stateKey string, content map[string]interface{}) State {
	var (
		st  State
		err error
	)

	switch evType {
	case event.StateMember.Type:
		m := Member{UserID: id.UserID(stateKey)}
		err = decode(content, &m)
		st = m
	case event.StateRoomName.Type:
		var c RoomName
		err = decode(content, &c)
		st = c
	case event.StateTopic.Type:
		var c RoomTopic
		err = decode(content, &c)
		st = c
	default:
		return UnsupportedState{Type: evType}
	}

	if err != nil {
		logger.Debugf("undecodable %s content: %s", evType, err)
		return UnsupportedState{Type: evType}
	}

	return st
}

// SortEvents orders events by origin server timestamp. Equal timestamps
// keep their order.
func SortEvents(events []RoomEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Head().OriginServerTS < events[j].Head().OriginServerTS
	})
}

// MembersFromEvents keys the member state events by user id. A later event
// for the same user replaces an earlier one.
func MembersFromEvents(events []RoomEvent) map[id.UserID]Member {
	members := make(map[id.UserID]Member)

	for _, ev := range events {
		st, ok := ev.(*StateEvent)
		if !ok {
			continue
		}

		if m, ok := st.Content.(Member); ok {
			members[m.UserID] = m
		}
	}

	return members
}

// IsMessage reports whether ev is a MessageEvent.
func IsMessage(ev RoomEvent) bool {
	_, ok := ev.(*MessageEvent)
	return ok
}
