package matrix

import (
	"encoding/json"
	"testing"

	"github.com/42wim/mattercomments/pkg/sanitize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestDecodeMessages(t *testing.T) {
	tests := []struct {
		Desc string
		JSON string
		Want Message
	}{
		{
			Desc: "plain text",
			JSON: `{"msgtype":"m.text","body":"hello"}`,
			Want: Text{Body: "hello", Formatted: Plain{Text: "hello"}},
		},
		{
			Desc: "emote",
			JSON: `{"msgtype":"m.emote","body":"waves"}`,
			Want: Emote{Body: "waves", Formatted: Plain{Text: "waves"}},
		},
		{
			Desc: "notice with unknown format",
			JSON: `{"msgtype":"m.notice","body":"n","format":"text/markdown","formatted_body":"*n*"}`,
			Want: Notice{Body: "n", Formatted: Plain{Text: "n"}},
		},
		{
			Desc: "image",
			JSON: `{"msgtype":"m.image","body":"cat.png","url":"mxc://hs/cat","info":{"mimetype":"image/png","size":1024,"w":32,"h":16}}`,
			Want: Image{Body: "cat.png", URL: "mxc://hs/cat", Info: MediaInfo{MimeType: "image/png", Size: 1024, Width: 32, Height: 16}},
		},
		{
			Desc: "file",
			JSON: `{"msgtype":"m.file","body":"report","filename":"report.pdf","url":"mxc://hs/report"}`,
			Want: File{Body: "report", Filename: "report.pdf", URL: "mxc://hs/report"},
		},
		{
			Desc: "video",
			JSON: `{"msgtype":"m.video","body":"clip","url":"mxc://hs/clip","info":{"duration":3000}}`,
			Want: Video{Body: "clip", URL: "mxc://hs/clip", Info: MediaInfo{Duration: 3000}},
		},
		{
			Desc: "audio",
			JSON: `{"msgtype":"m.audio","body":"song","url":"mxc://hs/song"}`,
			Want: Audio{Body: "song", URL: "mxc://hs/song"},
		},
		{
			Desc: "location",
			JSON: `{"msgtype":"m.location","body":"here","geo_uri":"geo:52.1,5.1"}`,
			Want: Location{Body: "here", GeoURI: "geo:52.1,5.1"},
		},
		{
			Desc: "unknown msgtype",
			JSON: `{"msgtype":"m.sticker","body":"sticker"}`,
			Want: UnsupportedMessage{MsgType: "m.sticker", Body: "sticker"},
		},
		{
			Desc: "body is not a string",
			JSON: `{"msgtype":"m.text","body":5}`,
			Want: UnsupportedMessage{MsgType: "m.text"},
		},
		{
			Desc: "wrong field type",
			JSON: `{"msgtype":"m.image","body":"x","url":["mxc://hs/x"]}`,
			Want: UnsupportedMessage{MsgType: "m.image", Body: "x"},
		},
		{
			Desc: "redacted",
			JSON: `{}`,
			Want: UnsupportedMessage{},
		},
	}

	for _, tc := range tests {
		ev := DecodeEvent(raw(`{"type":"m.room.message","event_id":"$1","sender":"@a:hs","origin_server_ts":5,"content":` + tc.JSON + `}`))

		msg, ok := ev.(*MessageEvent)
		require.True(t, ok, tc.Desc)
		assert.Equal(t, tc.Want, msg.Content, tc.Desc)
		assert.Equal(t, EventHeader{ID: "$1", Type: "m.room.message", Sender: "@a:hs", OriginServerTS: 5}, msg.Head(), tc.Desc)
	}
}

func TestDecodeHTMLKeepsRawTree(t *testing.T) {
	ev := DecodeEvent(raw(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"hi","format":"org.matrix.custom.html","formatted_body":"<b onclick=\"x()\">hi</b><script>alert(1)</script>"}}`))

	msg := ev.(*MessageEvent)
	text, ok := msg.Content.(Text)
	require.True(t, ok)

	formatted, ok := text.Formatted.(HTML)
	require.True(t, ok)
	require.Len(t, formatted.Nodes, 2)

	// decoding does not sanitize
	assert.Equal(t, "b", formatted.Nodes[0].Tag)
	onclick, ok := formatted.Nodes[0].Attr("onclick")
	assert.True(t, ok)
	assert.Equal(t, "x()", onclick)
	assert.Equal(t, "script", formatted.Nodes[1].Tag)

	clean := sanitize.New(nil, sanitize.DefaultPolicy()).Sanitize(formatted.Nodes)
	out, err := sanitize.Render(clean)
	require.NoError(t, err)
	assert.Equal(t, "<b>hi</b>", out)
}

func TestDecodeStateEvents(t *testing.T) {
	tests := []struct {
		Desc string
		JSON string
		Want State
	}{
		{
			Desc: "member",
			JSON: `{"type":"m.room.member","state_key":"@a:hs","content":{"membership":"join","displayname":"Alice","avatar_url":"mxc://hs/a"}}`,
			Want: Member{UserID: "@a:hs", Membership: "join", DisplayName: "Alice", AvatarURL: "mxc://hs/a"},
		},
		{
			Desc: "member without profile",
			JSON: `{"type":"m.room.member","state_key":"@b:hs","content":{"membership":"join"}}`,
			Want: Member{UserID: "@b:hs", Membership: "join"},
		},
		{
			Desc: "room name",
			JSON: `{"type":"m.room.name","state_key":"","content":{"name":"Comments"}}`,
			Want: RoomName{Name: "Comments"},
		},
		{
			Desc: "topic",
			JSON: `{"type":"m.room.topic","state_key":"","content":{"topic":"About the post"}}`,
			Want: RoomTopic{Topic: "About the post"},
		},
		{
			Desc: "unknown state",
			JSON: `{"type":"m.room.power_levels","state_key":"","content":{"users":{}}}`,
			Want: UnsupportedState{Type: "m.room.power_levels"},
		},
		{
			Desc: "bad member content",
			JSON: `{"type":"m.room.member","state_key":"@c:hs","content":{"displayname":["x"]}}`,
			Want: UnsupportedState{Type: "m.room.member"},
		},
	}

	for _, tc := range tests {
		ev := DecodeEvent(raw(tc.JSON))

		st, ok := ev.(*StateEvent)
		require.True(t, ok, tc.Desc)
		assert.Equal(t, tc.Want, st.Content, tc.Desc)
	}
}

func TestDecodeUnsupportedEvents(t *testing.T) {
	ev := DecodeEvent(raw(`{"type":"m.reaction","event_id":"$r","sender":"@a:hs","content":{}}`))
	unsupported, ok := ev.(*UnsupportedEvent)
	require.True(t, ok)
	assert.Equal(t, "m.reaction", unsupported.Type)

	for _, s := range []string{`[`, `"event"`, `{"type":5}`, ``} {
		_, ok := DecodeEvent(raw(s)).(*UnsupportedEvent)
		assert.True(t, ok, s)
	}
}

func TestDecodeEventsKeepsBatch(t *testing.T) {
	events := DecodeEvents([]json.RawMessage{
		raw(`{"type":"m.room.message","event_id":"$1","content":{"msgtype":"m.text","body":"a"}}`),
		raw(`not json`),
		raw(`{"type":"m.room.message","event_id":"$3","content":{"msgtype":"m.weird"}}`),
	})

	require.Len(t, events, 3)
	assert.IsType(t, &MessageEvent{}, events[0])
	assert.IsType(t, &UnsupportedEvent{}, events[1])
	assert.IsType(t, &MessageEvent{}, events[2])
}

func TestSortEventsIsStable(t *testing.T) {
	events := []RoomEvent{
		&MessageEvent{EventHeader: EventHeader{ID: "c", OriginServerTS: 3}},
		&MessageEvent{EventHeader: EventHeader{ID: "a1", OriginServerTS: 1}},
		&StateEvent{EventHeader: EventHeader{ID: "b", OriginServerTS: 2}},
		&MessageEvent{EventHeader: EventHeader{ID: "a2", OriginServerTS: 1}},
		&UnsupportedEvent{EventHeader: EventHeader{ID: "a3", OriginServerTS: 1}},
	}

	SortEvents(events)

	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.Head().ID)
	}

	assert.Equal(t, []string{"a1", "a2", "a3", "b", "c"}, ids)
}

func TestMembersFromEvents(t *testing.T) {
	members := MembersFromEvents(DecodeEvents([]json.RawMessage{
		raw(`{"type":"m.room.member","state_key":"@a:hs","content":{"membership":"join","displayname":"Old"}}`),
		raw(`{"type":"m.room.member","state_key":"@b:hs","content":{"membership":"join"}}`),
		raw(`{"type":"m.room.member","state_key":"@a:hs","content":{"membership":"join","displayname":"New"}}`),
		raw(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"x"}}`),
	}))

	assert.Len(t, members, 2)
	assert.Equal(t, "New", members[id.UserID("@a:hs")].DisplayName)
}
