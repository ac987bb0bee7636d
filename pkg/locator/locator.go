// Package locator derives room aliases, media URLs and endpoint URLs from
// configuration. Nothing in here does I/O.
package locator

import (
	"fmt"
	"net/url"
	"strings"

	"maunium.net/go/mautrix/id"
)

const (
	ClientPrefix = "/_matrix/client/r0"
	MediaPrefix  = "/_matrix/media/r0"

	ThumbnailWidth  = 32
	ThumbnailHeight = 32
	ThumbnailMethod = "crop"

	matrixTo = "https://matrix.to/#/"
)

// MakeRoomAlias returns the alias of the comment room for one section of a
// site. The concatenation is the contract: inputs are not escaped.
func MakeRoomAlias(siteName, uniqueID, serverName string) string {
	return "#comments_" + siteName + "_" + uniqueID + ":" + serverName
}

// ServerNameFromID returns the server part of a Matrix identifier
// (user id, room alias, room id): the segment after the last colon.
func ServerNameFromID(identifier string) (string, bool) {
	i := strings.LastIndex(identifier, ":")
	if i < 0 || i == len(identifier)-1 {
		return "", false
	}

	return identifier[i+1:], true
}

// MatrixDotToURL links to the identifier on matrix.to, the fallback entry
// point for people who want to join with their own client.
func MatrixDotToURL(identifier string) string {
	return matrixTo + encodeURIComponent(identifier)
}

func encodeURIComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Locator builds URLs rooted at one homeserver.
type Locator struct {
	homeserver string
}

func New(homeserverURL string) *Locator {
	return &Locator{homeserver: strings.TrimRight(homeserverURL, "/")}
}

func (l *Locator) Homeserver() string {
	return l.homeserver
}

// MediaURL joins escaped path segments under the media API prefix.
func (l *Locator) MediaURL(segments ...string) string {
	return l.homeserver + MediaPrefix + joinSegments(segments)
}

func joinSegments(segments []string) string {
	var b strings.Builder

	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}

	return b.String()
}

// ParseMedia splits an mxc:// reference into server name and media id.
func ParseMedia(mxc string) (id.ContentURI, bool) {
	uri, err := id.ParseContentURI(mxc)
	if err != nil || uri.Homeserver == "" || uri.FileID == "" {
		return id.ContentURI{}, false
	}

	return uri, true
}

func (l *Locator) DownloadURL(mxc string) (string, bool) {
	uri, ok := ParseMedia(mxc)
	if !ok {
		return "", false
	}

	return l.MediaURL("download", uri.Homeserver, uri.FileID), true
}

func (l *Locator) ThumbnailURL(mxc string) (string, bool) {
	uri, ok := ParseMedia(mxc)
	if !ok {
		return "", false
	}

	query := fmt.Sprintf("?width=%d&height=%d&method=%s", ThumbnailWidth, ThumbnailHeight, ThumbnailMethod)

	return l.MediaURL("thumbnail", uri.Homeserver, uri.FileID) + query, true
}

// ResolveMedia turns a media reference into a download URL. Besides
// mxc:// references it accepts download URLs produced by this locator, so
// resolving twice gives the same result.
func (l *Locator) ResolveMedia(ref string) (string, bool) {
	if strings.HasPrefix(ref, "mxc://") {
		return l.DownloadURL(ref)
	}

	prefix := l.MediaURL("download") + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}

	parts := strings.Split(strings.TrimPrefix(ref, prefix), "/")
	if len(parts) != 2 {
		return "", false
	}

	server, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", false
	}
	mediaID, err := url.PathUnescape(parts[1])
	if err != nil {
		return "", false
	}

	return l.DownloadURL("mxc://" + server + "/" + mediaID)
}
