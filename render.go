package chitchat

import (
	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

var sanitizer = bluemonday.UGCPolicy()

// RenderContent converts a message body from markdown to HTML safe to
// inject into the client view. Script tags and event handlers are
// stripped, links and basic formatting survive.
func RenderContent(content string) string {
	unsafe := blackfriday.Run([]byte(content))
	return string(sanitizer.SanitizeBytes(unsafe))
}
