// Package render turns comments into HTML for embedding or into text for
// a terminal. Rich text is sanitized every time it is rendered.
package render

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/bridge/matrix"
	"github.com/42wim/mattercomments/pkg/locator"
	"github.com/42wim/mattercomments/pkg/sanitize"
	strip "github.com/grokify/html-strip-tags-go"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "render"})

type Options struct {
	Policy sanitize.Policy
	// Width wraps terminal output, 0 disables wrapping.
	Width int
	// SyntaxHighlighting is a chroma "formatter:style" pair used for code
	// with a language hint. Empty disables highlighting.
	SyntaxHighlighting string
}

type Renderer struct {
	locator   *locator.Locator
	sanitizer *sanitize.Sanitizer
	opts      Options
	now       func() time.Time
}

func New(loc *locator.Locator, opts Options) *Renderer {
	return &Renderer{
		locator:   loc,
		sanitizer: sanitize.New(loc, opts.Policy),
		opts:      opts,
		now:       time.Now,
	}
}

// Nodes returns the safe tree for f. Plain text becomes a single text node.
func (r *Renderer) Nodes(f matrix.FormattedText) []*sanitize.Node {
	switch f := f.(type) {
	case matrix.Plain:
		return []*sanitize.Node{sanitize.Text(f.Text)}
	case matrix.HTML:
		return r.sanitizer.Sanitize(f.Nodes)
	}

	return nil
}

func (r *Renderer) FormattedHTML(f matrix.FormattedText) (string, error) {
	return sanitize.Render(r.Nodes(f))
}

func attr(key, val string) sanitize.Attr {
	return sanitize.Attr{Key: key, Val: val}
}

func (r *Renderer) mediaLink(body, mxc string) []*sanitize.Node {
	if url, ok := r.locator.DownloadURL(mxc); ok {
		return []*sanitize.Node{sanitize.Element("a", []sanitize.Attr{attr("href", url), attr("rel", "noopener")}, sanitize.Text(body))}
	}

	return []*sanitize.Node{sanitize.Text(body)}
}

// messageNodes builds the body of one message. sender is only used for
// emotes.
func (r *Renderer) messageNodes(sender string, msg matrix.Message) []*sanitize.Node {
	switch msg := msg.(type) {
	case matrix.Text:
		return r.Nodes(msg.Formatted)
	case matrix.Notice:
		return []*sanitize.Node{sanitize.Element("span", []sanitize.Attr{attr("class", "notice")}, r.Nodes(msg.Formatted)...)}
	case matrix.Emote:
		return append([]*sanitize.Node{sanitize.Text("* " + sender + " ")}, r.Nodes(msg.Formatted)...)
	case matrix.Image:
		thumb, ok := r.locator.ThumbnailURL(msg.URL)
		if !ok {
			return []*sanitize.Node{sanitize.Text(msg.Body)}
		}
		img := sanitize.Element("img", []sanitize.Attr{attr("src", thumb), attr("alt", msg.Body)})
		if url, ok := r.locator.DownloadURL(msg.URL); ok {
			return []*sanitize.Node{sanitize.Element("a", []sanitize.Attr{attr("href", url), attr("rel", "noopener")}, img)}
		}
		return []*sanitize.Node{img}
	case matrix.File:
		name := msg.Filename
		if name == "" {
			name = msg.Body
		}
		return r.mediaLink(name, msg.URL)
	case matrix.Video:
		return r.mediaLink(msg.Body, msg.URL)
	case matrix.Audio:
		return r.mediaLink(msg.Body, msg.URL)
	case matrix.Location:
		return []*sanitize.Node{sanitize.Text(msg.Body)}
	case matrix.UnsupportedMessage:
		return []*sanitize.Node{sanitize.Element("em", nil, sanitize.Text(fmt.Sprintf("unsupported message type %q", msg.MsgType)))}
	}

	return nil
}

func (r *Renderer) MessageHTML(sender string, msg matrix.Message) (string, error) {
	return sanitize.Render(r.messageNodes(sender, msg))
}

func senderName(c *bridge.Comment) string {
	if c.Sender == nil {
		return "unknown"
	}

	if c.Sender.DisplayName != "" {
		return c.Sender.DisplayName
	}

	return c.Sender.User
}

func commentMessage(c *bridge.Comment) (matrix.Message, bool) {
	ev, ok := c.Event.(*matrix.MessageEvent)
	if !ok {
		return nil, false
	}

	return ev.Content, true
}

// CommentHTML renders one comment with its sender and age.
func (r *Renderer) CommentHTML(c *bridge.Comment) (string, error) {
	msg, ok := commentMessage(c)
	if !ok {
		return "", fmt.Errorf("comment %s has no message", c.ID)
	}

	name := senderName(c)

	var (
		header []*sanitize.Node
		userID string
	)

	if c.Sender != nil {
		userID = c.Sender.User
		if c.Sender.AvatarURL != "" {
			header = append(header, sanitize.Element("img", []sanitize.Attr{attr("class", "avatar"), attr("src", c.Sender.AvatarURL), attr("alt", "")}))
		}
	}

	header = append(header,
		sanitize.Element("span", []sanitize.Attr{attr("class", "sender"), attr("title", userID)}, sanitize.Text(name)),
		sanitize.Text(" "),
		sanitize.Element("span", []sanitize.Attr{attr("class", "time"), attr("title", c.Timestamp.UTC().Format(time.RFC3339))},
			sanitize.Text(TimeSince(r.now(), c.Timestamp))),
	)

	body := sanitize.Element("div", []sanitize.Attr{attr("class", "body")}, r.messageNodes(name, msg)...)
	children := append(header, body)

	return sanitize.Render([]*sanitize.Node{
		sanitize.Element("div", []sanitize.Attr{attr("class", "comment"), attr("id", c.ID)}, children...),
	})
}

// Summary is the comment as one line of plain text of at most n runes.
func (r *Renderer) Summary(c *bridge.Comment, n int) string {
	msg, ok := commentMessage(c)
	if !ok {
		return ""
	}

	out, err := sanitize.Render(r.messageNodes(senderName(c), msg))
	if err != nil {
		logger.Debugf("summary of %s: %s", c.ID, err)
		return ""
	}

	text := strings.Join(strings.Fields(html.UnescapeString(strip.StripTags(out))), " ")

	runes := []rune(text)
	if n > 0 && len(runes) > n {
		return string(runes[:n-1]) + "…"
	}

	return text
}

// TimeSince describes how long before now t was.
func TimeSince(now, t time.Time) string {
	d := now.Sub(t)

	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d < 30*24*time.Hour:
		return plural(int(d/(24*time.Hour)), "day")
	case d < 365*24*time.Hour:
		return plural(int(d/(30*24*time.Hour)), "month")
	}

	return plural(int(d/(365*24*time.Hour)), "year")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}

	return fmt.Sprintf("%d %ss ago", n, unit)
}
