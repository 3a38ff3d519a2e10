package classify

import "strings"

// IdlePatterns lists hostname substrings that are long-lived by nature
// (chat, streaming, push-notification channels) and should get a longer
// idle timeout than ordinary request/response traffic. This generalizes
// the single-hostname heuristic into a configurable list per spec.md's
// resolved Open Question on WebSocket idle handling.
var IdlePatterns = []string{
	"websocket",
	"ws.",
	"stream",
	"push",
	"chat",
	"socket.io",
}

// MatchesIdlePattern reports whether host contains any of the known
// long-lived-connection substrings.
func MatchesIdlePattern(host string) bool {
	host = strings.ToLower(host)
	for _, p := range IdlePatterns {
		if strings.Contains(host, p) {
			return true
		}
	}
	return false
}
