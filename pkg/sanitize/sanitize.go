// Package sanitize turns untrusted rich-text trees from message events into
// trees that only contain allowlisted tags and attributes.
//
// The walk is iterative and bounded by a Policy, so hostile documents can
// not exhaust the stack or take unbounded time. Sanitize is idempotent:
// running it over its own output returns an equal tree.
package sanitize

import (
	"net/url"
	"regexp"
	"strings"
)

// Policy bounds the work done for one document.
type Policy struct {
	// MaxDepth is the element nesting depth kept. Elements nested
	// deeper are replaced by empty text nodes.
	MaxDepth int
	// MaxChildren is the number of children kept per node (and at the
	// top level). The rest are dropped.
	MaxChildren int
	// MaxNodes is the total number of nodes visited.
	MaxNodes int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxDepth:    32,
		MaxChildren: 100,
		MaxNodes:    5000,
	}
}

// MediaResolver maps the src of an <img> to a URL that is safe to load.
// pkg/locator.Locator implements it.
type MediaResolver interface {
	ResolveMedia(ref string) (string, bool)
}

const languagePrefix = "language-"

var allowedTags = map[string]bool{
	"font": true, "del": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "blockquote": true, "p": true, "a": true, "ul": true,
	"ol": true, "sup": true, "sub": true, "li": true, "b": true, "i": true,
	"u": true, "strong": true, "em": true, "strike": true, "code": true,
	"hr": true, "br": true, "div": true, "table": true, "thead": true,
	"tbody": true, "tr": true, "th": true, "td": true, "caption": true,
	"pre": true, "span": true, "img": true,
}

var allowedSchemes = map[string]bool{
	"https":  true,
	"http":   true,
	"ftp":    true,
	"mailto": true,
	"magnet": true,
}

var colorRegExp = regexp.MustCompile(`^(?:#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6}|[a-zA-Z]{1,32})$`)

// AllowedTag reports whether tag survives sanitization.
func AllowedTag(tag string) bool {
	return allowedTags[strings.ToLower(tag)]
}

// AllowedAttrs lists the attributes Sanitize may emit on tag.
func AllowedAttrs(tag string) []string {
	switch strings.ToLower(tag) {
	case "a":
		return []string{"name", "target", "href", "rel"}
	case "img":
		return []string{"width", "height", "alt", "title", "src"}
	case "font", "span":
		return []string{"data-mx-color", "data-mx-bg-color", "style"}
	case "ol":
		return []string{"start"}
	case "code":
		return []string{"class"}
	}

	return nil
}

type Sanitizer struct {
	policy Policy
	media  MediaResolver
}

// New returns a Sanitizer. A nil media resolver drops every img src.
func New(media MediaResolver, policy Policy) *Sanitizer {
	return &Sanitizer{policy: policy, media: media}
}

type workItem struct {
	src   *Node
	dst   *[]*Node
	depth int
}

func (s *Sanitizer) Sanitize(nodes []*Node) []*Node {
	var out []*Node

	queue := make([]workItem, 0, len(nodes))
	for _, n := range s.capChildren(nodes) {
		queue = append(queue, workItem{src: n, dst: &out})
	}

	visited := 0
	for len(queue) > 0 && visited < s.policy.MaxNodes {
		item := queue[0]
		queue = queue[1:]

		if item.src == nil {
			continue
		}
		visited++

		switch item.src.Type {
		case TextNode, CommentNode:
			*item.dst = append(*item.dst, &Node{Type: item.src.Type, Data: item.src.Data})
			continue
		case ElementNode:
		default:
			*item.dst = append(*item.dst, Text(""))
			continue
		}

		if !AllowedTag(item.src.Tag) || item.depth >= s.policy.MaxDepth {
			*item.dst = append(*item.dst, Text(""))
			continue
		}

		n := &Node{
			Type:  ElementNode,
			Tag:   item.src.Tag,
			Attrs: s.attrs(strings.ToLower(item.src.Tag), item.src.Attrs),
		}
		*item.dst = append(*item.dst, n)

		for _, c := range s.capChildren(item.src.Children) {
			queue = append(queue, workItem{src: c, dst: &n.Children, depth: item.depth + 1})
		}
	}

	return out
}

func (s *Sanitizer) capChildren(nodes []*Node) []*Node {
	if s.policy.MaxChildren >= 0 && len(nodes) > s.policy.MaxChildren {
		return nodes[:s.policy.MaxChildren]
	}

	return nodes
}

// firstValues keeps the first occurrence of every attribute key, lower
// cased, in input order.
func firstValues(attrs []Attr) []Attr {
	seen := make(map[string]bool, len(attrs))
	out := make([]Attr, 0, len(attrs))

	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Attr{Key: key, Val: a.Val})
	}

	return out
}

func (s *Sanitizer) attrs(tag string, in []Attr) []Attr {
	var out []Attr

	switch tag {
	case "a":
		for _, a := range firstValues(in) {
			switch a.Key {
			case "name", "target":
				out = append(out, a)
			case "href":
				if AllowedURL(a.Val) {
					out = append(out, a)
				}
			}
		}
		out = append(out, Attr{Key: "rel", Val: "noopener"})
	case "img":
		for _, a := range firstValues(in) {
			switch a.Key {
			case "width", "height", "alt", "title":
				out = append(out, a)
			case "src":
				if s.media == nil {
					continue
				}
				if src, ok := s.media.ResolveMedia(a.Val); ok {
					out = append(out, Attr{Key: "src", Val: src})
				}
			}
		}
	case "font", "span":
		var style []string
		for _, a := range firstValues(in) {
			if !ValidColor(a.Val) {
				continue
			}
			switch a.Key {
			case "data-mx-color":
				out = append(out, a)
				style = append(style, "color: "+a.Val)
			case "data-mx-bg-color":
				out = append(out, a)
				style = append(style, "background-color: "+a.Val)
			}
		}
		if len(style) > 0 {
			out = append(out, Attr{Key: "style", Val: strings.Join(style, "; ")})
		}
	case "ol":
		for _, a := range firstValues(in) {
			if a.Key == "start" {
				out = append(out, a)
			}
		}
	case "code":
		for _, a := range firstValues(in) {
			if a.Key == "class" && strings.HasPrefix(a.Val, languagePrefix) {
				out = append(out, a)
			}
		}
	}

	return out
}

// AllowedURL reports whether href has a scheme links may use.
func AllowedURL(href string) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}

	return allowedSchemes[strings.ToLower(u.Scheme)]
}

// ValidColor accepts #rgb, #rrggbb and plain color names. Color values end
// up inside a style attribute, anything else is refused.
func ValidColor(v string) bool {
	return colorRegExp.MatchString(v)
}

// Language returns the language hint of a code element, if any.
func Language(n *Node) string {
	class, ok := n.Attr("class")
	if !ok || !strings.HasPrefix(class, languagePrefix) {
		return ""
	}

	return strings.TrimPrefix(class, languagePrefix)
}
