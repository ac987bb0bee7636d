package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/bridge/matrix"
	"github.com/42wim/mattercomments/pkg/sanitize"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/muesli/reflow/wordwrap"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "pre": true, "blockquote": true, "table": true,
	"tr": true, "ul": true, "ol": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// highlight colors code when highlighting is enabled and chroma knows
// lang. Anything else returns code unchanged.
func (r *Renderer) highlight(code, lang string) string {
	if r.opts.SyntaxHighlighting == "" || lang == "" {
		return code
	}

	formatter := "terminal256"
	style := "pygments"
	v := strings.SplitN(r.opts.SyntaxHighlighting, ":", 2)
	if len(v) == 2 {
		formatter = v[0]
		style = v[1]
	}

	var b bytes.Buffer
	if err := quick.Highlight(&b, code, lang, formatter, style); err != nil {
		logger.Debugf("highlighting %s: %s", lang, err)
		return code
	}

	return b.String()
}

// stripControl drops control characters except tab and newline, so text
// from the room cannot drive the terminal. Applied before highlighting,
// which adds escape sequences of its own.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return -1
		}
		return r
	}, s)
}

func textContent(n *sanitize.Node) string {
	var b strings.Builder

	var walk func(*sanitize.Node)
	walk = func(n *sanitize.Node) {
		if n.Type == sanitize.TextNode {
			b.WriteString(n.Data)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)

	return b.String()
}

// writeText writes sanitized nodes as terminal text. The tree depth is
// bounded by the sanitizer policy.
func (r *Renderer) writeText(b *strings.Builder, nodes []*sanitize.Node) {
	for _, n := range nodes {
		switch n.Type {
		case sanitize.TextNode:
			b.WriteString(stripControl(n.Data))
			continue
		case sanitize.CommentNode:
			continue
		}

		switch n.Tag {
		case "br":
			b.WriteString("\n")
		case "hr":
			b.WriteString("\n----\n")
		case "code":
			b.WriteString(r.highlight(stripControl(textContent(n)), sanitize.Language(n)))
		case "li":
			b.WriteString("\n- ")
			r.writeText(b, n.Children)
		case "img":
			alt, _ := n.Attr("alt")
			b.WriteString("[" + stripControl(alt) + "]")
		case "a":
			r.writeText(b, n.Children)
			if href, ok := n.Attr("href"); ok && href != textContent(n) {
				b.WriteString(" <" + stripControl(href) + ">")
			}
		case "td", "th":
			r.writeText(b, n.Children)
			b.WriteString("\t")
		default:
			r.writeText(b, n.Children)
		}

		if blockTags[n.Tag] {
			b.WriteString("\n")
		}
	}
}

func (r *Renderer) formattedText(f matrix.FormattedText) string {
	if p, ok := f.(matrix.Plain); ok {
		return stripControl(p.Text)
	}

	var b strings.Builder
	r.writeText(&b, r.Nodes(f))

	return strings.TrimSpace(blankLines.ReplaceAllString(b.String(), "\n\n"))
}

func (r *Renderer) mediaText(kind, name, mxc string) string {
	name = stripControl(name)

	if url, ok := r.locator.DownloadURL(mxc); ok {
		return fmt.Sprintf("[%s: %s] %s", kind, name, url)
	}

	return fmt.Sprintf("[%s: %s]", kind, name)
}

// MessageText renders msg for a terminal.
func (r *Renderer) MessageText(sender string, msg matrix.Message) string {
	sender = stripControl(sender)

	switch msg := msg.(type) {
	case matrix.Text:
		return r.formattedText(msg.Formatted)
	case matrix.Notice:
		return r.formattedText(msg.Formatted)
	case matrix.Emote:
		return "* " + sender + " " + r.formattedText(msg.Formatted)
	case matrix.Image:
		return r.mediaText("image", msg.Body, msg.URL)
	case matrix.File:
		name := msg.Filename
		if name == "" {
			name = msg.Body
		}
		return r.mediaText("file", name, msg.URL)
	case matrix.Video:
		return r.mediaText("video", msg.Body, msg.URL)
	case matrix.Audio:
		return r.mediaText("audio", msg.Body, msg.URL)
	case matrix.Location:
		return fmt.Sprintf("[location: %s] %s", stripControl(msg.Body), stripControl(msg.GeoURI))
	case matrix.UnsupportedMessage:
		return fmt.Sprintf("[unsupported message type %q]", msg.MsgType)
	}

	return ""
}

// CommentText renders a comment as a header line and a wrapped body.
func (r *Renderer) CommentText(c *bridge.Comment) string {
	msg, ok := commentMessage(c)
	if !ok {
		return ""
	}

	name := stripControl(senderName(c))
	header := fmt.Sprintf("%s, %s", name, TimeSince(r.now(), c.Timestamp))
	if c.Sender != nil && c.Sender.Me {
		header += " (you)"
	}

	body := r.MessageText(name, msg)
	if r.opts.Width > 0 {
		body = wordwrap.String(body, r.opts.Width)
	}

	return header + "\n" + indent(body, "  ")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}

	return strings.Join(lines, "\n")
}
