package task

import (
	"slices"
	"strings"
)

// Collection is one CalDAV calendar that supports VTODO components.
type Collection struct {
	AccountID   string   `json:"account_id"`
	Href        string   `json:"href"`
	DisplayName string   `json:"display_name"`
	Components  []string `json:"components"`
	Color       string   `json:"color,omitempty"`
	Order       int      `json:"order"`
	ETag        string   `json:"etag,omitempty"`
}

// SupportsTodo reports whether the collection advertises VTODO support.
func (c *Collection) SupportsTodo() bool {
	return slices.ContainsFunc(c.Components, func(comp string) bool {
		return strings.EqualFold(comp, "VTODO")
	})
}
