package matrix

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// Room is the loaded part of one comment thread. A Room is never changed
// after it is built: every pagination step returns a new one.
type Room struct {
	alias       id.RoomAlias
	id          id.RoomID
	events      []RoomEvent
	start       string
	end         string
	members     map[id.UserID]Member
	lastRefresh time.Time
	exhausted   bool
}

func (r *Room) Alias() id.RoomAlias {
	return r.alias
}

func (r *Room) ID() id.RoomID {
	return r.id
}

// Events returns a copy of the sorted event list.
func (r *Room) Events() []RoomEvent {
	return append([]RoomEvent(nil), r.events...)
}

// Messages returns only the message events, sorted.
func (r *Room) Messages() []*MessageEvent {
	var out []*MessageEvent

	for _, ev := range r.events {
		if msg, ok := ev.(*MessageEvent); ok {
			out = append(out, msg)
		}
	}

	return out
}

// Start is the cursor at the newest loaded edge, used to fetch forward.
func (r *Room) Start() string {
	return r.start
}

// End is the cursor at the oldest loaded edge, used to fetch backward.
func (r *Room) End() string {
	return r.end
}

func (r *Room) Member(userID id.UserID) (Member, bool) {
	m, ok := r.members[userID]
	return m, ok
}

func (r *Room) MemberCount() int {
	return len(r.members)
}

func (r *Room) LastRefresh() time.Time {
	return r.lastRefresh
}

// Exhausted is set once a backward page came back empty.
func (r *Room) Exhausted() bool {
	return r.exhausted
}

func (r *Room) clone() *Room {
	c := *r
	return &c
}

// mergeEvents appends page to events, skips events whose id is already
// known, and sorts the result. Neither input is modified.
func mergeEvents(events, page []RoomEvent) []RoomEvent {
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if evID := ev.Head().ID; evID != "" {
			seen[evID] = struct{}{}
		}
	}

	merged := make([]RoomEvent, 0, len(events)+len(page))
	merged = append(merged, events...)

	for _, ev := range page {
		evID := ev.Head().ID
		if evID != "" {
			if _, ok := seen[evID]; ok {
				logger.Debugf("dropping duplicate event %s", evID)
				continue
			}
			seen[evID] = struct{}{}
		}
		merged = append(merged, ev)
	}

	SortEvents(merged)

	return merged
}

// withOlder returns a copy of r with an older page merged in. A page
// that is empty or carries no end token is the last one.
func (r *Room) withOlder(page []RoomEvent, end string) *Room {
	c := r.clone()
	c.events = mergeEvents(r.events, page)

	if len(page) == 0 || end == "" {
		c.exhausted = true
		return c
	}

	c.end = end

	return c
}

// withNewer returns a copy of r with a newer page merged in.
func (r *Room) withNewer(page []RoomEvent, start string, now time.Time) *Room {
	c := r.clone()
	c.events = mergeEvents(r.events, page)
	c.lastRefresh = now

	if start != "" {
		c.start = start
	}

	return c
}
