package mailparse

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	htmlPolicyOnce sync.Once
	htmlPolicy     *bluemonday.Policy
)

// SanitizeHTML strips active content from an HTML body for safe preview:
// script/style/form/link/meta/base elements, all event handler attributes,
// and javascript:/vbscript: URIs are removed. Remote-image handling is a
// render-time policy and deliberately not applied here.
func SanitizeHTML(html string) string {
	if html == "" {
		return ""
	}
	htmlPolicyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowImages()
		p.AllowDataURIImages()
		p.AllowStandardAttributes()
		p.AllowTables()
		p.AllowLists()
		htmlPolicy = p
	})
	return htmlPolicy.Sanitize(html)
}
