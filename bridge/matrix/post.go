package matrix

import (
	"context"
	"fmt"

	"github.com/42wim/matterbridge/bridge/helper"
	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/pkg/matrixclient"
	"github.com/42wim/mattercomments/pkg/session"
	"maunium.net/go/mautrix/event"
)

// PostClient is the part of the homeserver client a post needs.
type PostClient interface {
	JoinRoom(ctx context.Context, token, roomID string) error
	SendMessage(ctx context.Context, token, roomID, txnID string, content interface{}) (*matrixclient.SendEventResponse, error)
	LeaveRoom(ctx context.Context, token, roomID string) error
}

// Posted is what came of a PostComment call.
type Posted struct {
	// Sent is true once the send step succeeded, even when leaving failed
	// afterwards. The session's transaction id is used up exactly then.
	Sent    bool
	EventID string
}

// TextContent builds the content of a comment. With markdown set the body
// is also rendered to HTML.
func TextContent(text string, markdown bool) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}

	if markdown {
		content.Format = event.FormatHTML
		content.FormattedBody = helper.ParseMarkdown(text)
	}

	return content
}

// PostComment joins roomID, sends content under the session's current
// transaction id and leaves again, all with the same token. The first
// failing step ends it; nothing is retried.
func PostComment(ctx context.Context, client PostClient, sess session.Session, roomID string, content interface{}) (Posted, error) {
	var posted Posted

	token := sess.AccessToken()

	if err := client.JoinRoom(ctx, token, roomID); err != nil {
		return posted, fmt.Errorf("joining %s: %w", roomID, err)
	}

	resp, err := client.SendMessage(ctx, token, roomID, sess.TxnID(), content)
	if err != nil {
		return posted, fmt.Errorf("sending to %s: %w", roomID, err)
	}

	posted.Sent = true
	posted.EventID = resp.EventID

	if err := client.LeaveRoom(ctx, token, roomID); err != nil {
		return posted, fmt.Errorf("leaving %s: %w", roomID, err)
	}

	return posted, nil
}

// checkCanPost refuses guests when guest posting is off.
func checkCanPost(sess session.Session, guestPosting bool) error {
	if sess.IsGuest() && !guestPosting {
		return fmt.Errorf("posting as guest %s: %w", sess.UserID(), bridge.ErrLoginRequired)
	}

	return nil
}
