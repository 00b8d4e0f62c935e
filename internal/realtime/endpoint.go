package realtime

import (
	"net/url"
	"strings"
)

// NotificationEndpoint is the per-identity notification channel.
func NotificationEndpoint(base, identity string) string {
	return strings.TrimRight(base, "/") + "/ws/notifications/" + url.PathEscape(identity)
}

// CallRoomEndpoint is the room-scoped signaling channel for one participant.
func CallRoomEndpoint(base, room, identity string) string {
	return strings.TrimRight(base, "/") + "/ws/call/" + url.PathEscape(room) + "/" + url.PathEscape(identity)
}
