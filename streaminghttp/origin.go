package streaminghttp

import "strings"

// defaultAllowedOriginPrefixes always pass origin validation. Editor webviews
// send their own scheme, and loopback origins are inherently same-machine.
var defaultAllowedOriginPrefixes = []string{
	"vscode-webview://",
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// originAllowed guards against DNS rebinding: a browser-supplied Origin must
// match a configured prefix. Requests without an Origin header (curl, native
// clients) are not subject to the check.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, prefix := range defaultAllowedOriginPrefixes {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	for _, prefix := range allowed {
		if prefix != "" && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
