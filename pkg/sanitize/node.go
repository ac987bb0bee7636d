package sanitize

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxParseNodes caps the number of nodes Parse keeps from one
// document.
const DefaultMaxParseNodes = 20000

type NodeType int

const (
	TextNode NodeType = iota
	CommentNode
	ElementNode
)

func (t NodeType) String() string {
	switch t {
	case TextNode:
		return "text"
	case CommentNode:
		return "comment"
	case ElementNode:
		return "element"
	}

	return "unknown"
}

type Attr struct {
	Key string
	Val string
}

// Node is a rich-text tree node. Data holds the text of text and comment
// nodes; Tag and Attrs are only set on element nodes.
type Node struct {
	Type     NodeType
	Tag      string
	Attrs    []Attr
	Data     string
	Children []*Node
}

func Text(s string) *Node {
	return &Node{Type: TextNode, Data: s}
}

func Element(tag string, attrs []Attr, children ...*Node) *Node {
	return &Node{Type: ElementNode, Tag: tag, Attrs: attrs, Children: children}
}

// Attr returns the first value of key.
func (n *Node) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}

	return "", false
}

type parseItem struct {
	src *html.Node
	dst *[]*Node
}

// Parse parses an HTML fragment as if it were the content of <body>.
func Parse(s string) ([]*Node, error) {
	return ParseLimit(s, DefaultMaxParseNodes)
}

// ParseLimit is Parse keeping at most limit nodes, in document order by
// level. The conversion walks a queue, so nesting depth does not grow the
// call stack.
func ParseLimit(s string, limit int) ([]*Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}

	parsed, err := html.ParseFragment(strings.NewReader(s), body)
	if err != nil {
		return nil, err
	}

	var out []*Node

	queue := make([]parseItem, 0, len(parsed))
	for _, n := range parsed {
		queue = append(queue, parseItem{src: n, dst: &out})
	}

	count := 0
	for len(queue) > 0 && count < limit {
		item := queue[0]
		queue = queue[1:]

		n := fromHTML(item.src)
		if n == nil {
			continue
		}

		count++
		*item.dst = append(*item.dst, n)

		if n.Type != ElementNode {
			continue
		}

		for c := item.src.FirstChild; c != nil; c = c.NextSibling {
			queue = append(queue, parseItem{src: c, dst: &n.Children})
		}
	}

	return out, nil
}

func fromHTML(src *html.Node) *Node {
	switch src.Type {
	case html.TextNode:
		return Text(src.Data)
	case html.CommentNode:
		return &Node{Type: CommentNode, Data: src.Data}
	case html.ElementNode:
		n := &Node{Type: ElementNode, Tag: src.Data}
		for _, a := range src.Attr {
			if a.Namespace != "" {
				continue
			}
			n.Attrs = append(n.Attrs, Attr{Key: a.Key, Val: a.Val})
		}

		return n
	}

	return nil
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "keygen": true, "link": true,
	"meta": true, "param": true, "source": true, "track": true, "wbr": true,
}

type renderItem struct {
	src    *Node
	parent *html.Node
}

// Render serializes nodes as HTML. Text and attribute values are escaped
// by x/net/html; comment nodes are not emitted. Render does no filtering:
// pass it sanitized nodes only.
func Render(nodes []*Node) (string, error) {
	root := &html.Node{Type: html.DocumentNode}

	queue := make([]renderItem, 0, len(nodes))
	for _, n := range nodes {
		queue = append(queue, renderItem{src: n, parent: root})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		var dst *html.Node

		switch item.src.Type {
		case TextNode:
			dst = &html.Node{Type: html.TextNode, Data: item.src.Data}
		case ElementNode:
			tag := strings.ToLower(item.src.Tag)
			dst = &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
			for _, a := range item.src.Attrs {
				dst.Attr = append(dst.Attr, html.Attribute{Key: a.Key, Val: a.Val})
			}
		default:
			continue
		}

		item.parent.AppendChild(dst)

		if dst.Type == html.ElementNode && !voidElements[dst.Data] {
			for _, c := range item.src.Children {
				queue = append(queue, renderItem{src: c, parent: dst})
			}
		}
	}

	var b bytes.Buffer

	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return "", err
		}
	}

	return b.String(), nil
}
