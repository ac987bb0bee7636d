package matrixclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/42wim/mattercomments/bridge"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ResolveAlias looks a room alias up in the room directory. An alias
// without a room is an ErrResolution.
func (c *Client) ResolveAlias(ctx context.Context, token, alias string) (*ResolveAliasResponse, error) {
	mc, err := c.api(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := mc.ResolveAlias(id.RoomAlias(alias))
	if err != nil {
		err = c.wrapError("resolve alias", err)
		if bridge.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("resolve alias %s: %w: %v", alias, bridge.ErrResolution, err)
		}

		return nil, err
	}

	if resp == nil || resp.RoomID == "" {
		return nil, fmt.Errorf("resolve alias %s: %w: no room id", alias, bridge.ErrResolution)
	}

	return &ResolveAliasResponse{RoomID: resp.RoomID.String(), Servers: resp.Servers}, nil
}

// SyncPoint returns a pagination token for "now" in roomID. It polls
// /events with a zero timeout and only keeps the end token.
func (c *Client) SyncPoint(ctx context.Context, token, roomID string) (string, error) {
	mc, err := c.api(ctx, token)
	if err != nil {
		return "", err
	}

	u := mc.BuildURLWithQuery(mautrix.URLPath{"events"}, map[string]string{
		"room_id": roomID,
		"timeout": "0",
	})

	var resp eventsResponse

	if _, err := mc.MakeFullRequest(http.MethodGet, u, nil, nil, &resp); err != nil {
		return "", c.wrapError("sync point", err)
	}

	if resp.End == "" {
		return "", fmt.Errorf("sync point: %w: missing end token", bridge.ErrBadBody)
	}

	return resp.End, nil
}

// Messages fetches one page of room history.
func (c *Client) Messages(ctx context.Context, token, roomID string, opts MessagesOptions) (*MessagesResponse, error) {
	mc, err := c.api(ctx, token)
	if err != nil {
		return nil, err
	}

	dir := opts.Direction
	if dir == "" {
		dir = Backward
	}

	query := map[string]string{"dir": string(dir)}
	if opts.From != "" {
		query["from"] = opts.From
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}

	var resp MessagesResponse

	u := mc.BuildURLWithQuery(mautrix.URLPath{"rooms", roomID, "messages"}, query)
	if _, err := mc.MakeFullRequest(http.MethodGet, u, nil, nil, &resp); err != nil {
		return nil, c.wrapError("messages", err)
	}

	return &resp, nil
}

// JoinRoom joins roomID. Joining a room the user is already in succeeds.
func (c *Client) JoinRoom(ctx context.Context, token, roomID string) error {
	mc, err := c.api(ctx, token)
	if err != nil {
		return err
	}

	_, err = mc.JoinRoomByID(id.RoomID(roomID))

	return c.wrapError("join", err)
}

func (c *Client) LeaveRoom(ctx context.Context, token, roomID string) error {
	mc, err := c.api(ctx, token)
	if err != nil {
		return err
	}

	_, err = mc.LeaveRoom(id.RoomID(roomID))

	return c.wrapError("leave", err)
}

// SendMessage puts an m.room.message event. txnID is the idempotency key:
// the server answers a repeated txnID with the event it already has.
func (c *Client) SendMessage(ctx context.Context, token, roomID, txnID string, content interface{}) (*SendEventResponse, error) {
	mc, err := c.api(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := mc.SendMessageEvent(id.RoomID(roomID), event.EventMessage, content,
		mautrix.ReqSendEvent{TransactionID: txnID})
	if err != nil {
		return nil, c.wrapError("send", err)
	}

	if resp == nil {
		return nil, fmt.Errorf("send: %w: empty answer", bridge.ErrBadBody)
	}

	return &SendEventResponse{EventID: resp.EventID.String()}, nil
}
