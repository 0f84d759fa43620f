package caldav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// node is a namespace-agnostic XML element. Names are local names with any
// "prefix:" segment removed.
type node struct {
	name     string
	attrs    map[string]string
	text     string
	children []*node
}

// child returns the first direct child with the given local name.
func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if matchesTag(c.name, name) {
			return c
		}
	}
	return nil
}

// all returns every direct child with the given local name.
func (n *node) all(name string) []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if matchesTag(c.name, name) {
			out = append(out, c)
		}
	}
	return out
}

// has reports whether n has a direct child with the given local name.
func (n *node) has(name string) bool {
	return n.child(name) != nil
}

func (n *node) value() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.text)
}

// localName strips any "prefix:" segment.
func localName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// matchesTag compares element names by local name only, so that "d:href",
// "D:href" and "href" all match "href".
func matchesTag(name, want string) bool {
	return strings.EqualFold(localName(name), localName(want))
}

// parseXML reads a whole document into a node tree.
func parseXML(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var (
		root  *node
		stack []*node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: localName(t.Name.Local)}
			for _, attr := range t.Attr {
				if n.attrs == nil {
					n.attrs = make(map[string]string)
				}
				n.attrs[strings.ToLower(localName(attr.Name.Local))] = attr.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("empty document")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unterminated element %s", stack[len(stack)-1].name)
	}
	return root, nil
}

// msResponse is one <response> of a multistatus body.
type msResponse struct {
	href   string
	status int     // response-level status, 0 when absent
	props  []*node // children of <prop> blocks whose propstat status is 200
}

// prop returns the first 200-status property with the given local name.
func (r *msResponse) prop(name string) *node {
	for _, p := range r.props {
		if matchesTag(p.name, name) {
			return p
		}
	}
	return nil
}

// parseMultistatus extracts the responses of a 207 body. Properties reported
// under any propstat whose status is not 200 are discarded.
func parseMultistatus(r io.Reader) ([]msResponse, error) {
	root, err := parseXML(r)
	if err != nil {
		return nil, err
	}
	if !matchesTag(root.name, "multistatus") {
		return nil, fmt.Errorf("unexpected root element %s", root.name)
	}

	var out []msResponse
	for _, resp := range root.all("response") {
		mr := msResponse{href: resp.child("href").value()}
		if st := resp.child("status"); st != nil {
			mr.status = parseStatusLine(st.value())
		}
		for _, ps := range resp.all("propstat") {
			if parseStatusLine(ps.child("status").value()) != http.StatusOK {
				continue
			}
			for _, prop := range ps.all("prop") {
				mr.props = append(mr.props, prop.children...)
			}
		}
		out = append(out, mr)
	}
	return out, nil
}

// parseStatusLine returns the code of an "HTTP/1.1 200 OK" line, or 0.
func parseStatusLine(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// unquoteETag strips surrounding quotes. Some providers send unquoted etags.
func unquoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	if unquoted, err := strconv.Unquote(etag); err == nil {
		return unquoted
	}
	return strings.Trim(etag, `"`)
}

// quoteETag renders a stored etag for an If-Match header.
func quoteETag(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}
