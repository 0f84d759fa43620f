// Package caldav implements the CalDAV exchanges the sync engine needs:
// principal and calendar-home discovery, VTODO collection enumeration,
// calendar-query REPORTs and conditional PUT/DELETE of single resources.
//
// Every failure is returned as a typed error (HTTPError, ConflictError,
// TransientError, MalformedError) so that callers can classify it without
// inspecting strings. Authentication is the job of the webdav.HTTPClient the
// Client is built with.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"

	"github.com/mschirtzinger/todosync/internal/task"
)

const (
	// DefaultRootPath is where principal discovery starts.
	DefaultRootPath = "/remote.php/dav"

	// DefaultTimeout bounds every single request.
	DefaultTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// RootPath is the PROPFIND target for current-user-principal.
	RootPath string
	// Timeout bounds each request, including reading its body.
	Timeout time.Duration
	// Logger receives per-request logs when Verbose is set, and warnings.
	Logger  *log.Logger
	Verbose bool
}

// DefaultOptions returns the options used when NewClient is given nil.
func DefaultOptions() *Options {
	return &Options{
		RootPath: DefaultRootPath,
		Timeout:  DefaultTimeout,
	}
}

// PutOptions contains the conditional headers of a PUT or DELETE.
type PutOptions struct {
	IfMatch     webdav.ConditionalMatch
	IfNoneMatch webdav.ConditionalMatch
}

// Resource is one calendar object returned by FetchResources.
type Resource struct {
	Href string
	ETag string
	Data string
}

// Client talks to one CalDAV server.
type Client struct {
	hc       webdav.HTTPClient
	base     *url.URL
	rootPath string
	timeout  time.Duration
	logger   *log.Logger
	verbose  bool
}

// NewClient creates a client for the server at serverBase
// (e.g. "https://cloud.example.com").
//
// Example:
//
//	hc := webdav.HTTPClientWithBasicAuth(nil, "alice", "secret")
//	client, err := caldav.NewClient(hc, "https://cloud.example.com", nil)
//	if err != nil {
//	    return err
//	}
//	principal, err := client.DiscoverPrincipal(ctx)
func NewClient(hc webdav.HTTPClient, serverBase string, opts *Options) (*Client, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	base, err := url.Parse(serverBase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server URL %q must be absolute", serverBase)
	}

	c := &Client{
		hc:       hc,
		base:     base,
		rootPath: opts.RootPath,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		verbose:  opts.Verbose,
	}
	if c.rootPath == "" {
		c.rootPath = DefaultRootPath
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[caldav] ", log.LstdFlags)
	}
	return c, nil
}

const propfindPrincipal = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:current-user-principal/>
  </d:prop>
</d:propfind>`

const propfindHomeSet = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-home-set/>
  </d:prop>
</d:propfind>`

const propfindCollections = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <c:supported-calendar-component-set/>
    <ic:calendar-color/>
    <ic:calendar-order/>
    <d:getetag/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

const reportTodos = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VTODO"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

const propfindETag = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:getetag/>
  </d:prop>
</d:propfind>`

// DiscoverPrincipal returns the href of the authenticated user's principal.
func (c *Client) DiscoverPrincipal(ctx context.Context) (string, error) {
	responses, err := c.propfind(ctx, c.rootPath, "0", propfindPrincipal)
	if err != nil {
		return "", err
	}
	for _, r := range responses {
		if href := r.prop("current-user-principal").child("href").value(); href != "" {
			return href, nil
		}
	}
	return "", fmt.Errorf("%w: current-user-principal on %s", ErrPropertyNotFound, c.rootPath)
}

// DiscoverCalendarHome returns the calendar-home-set href of a principal.
func (c *Client) DiscoverCalendarHome(ctx context.Context, principal string) (string, error) {
	responses, err := c.propfind(ctx, principal, "0", propfindHomeSet)
	if err != nil {
		return "", err
	}
	for _, r := range responses {
		if href := r.prop("calendar-home-set").child("href").value(); href != "" {
			return href, nil
		}
	}
	return "", fmt.Errorf("%w: calendar-home-set on %s", ErrPropertyNotFound, principal)
}

// EnumerateCollections lists the calendars under home that can hold tasks.
//
// Only collections whose resourcetype contains calendar (and not
// deleted-calendar) and whose supported-calendar-component-set contains
// VTODO are returned. AccountID is left for the caller to set.
func (c *Client) EnumerateCollections(ctx context.Context, home string) ([]task.Collection, error) {
	responses, err := c.propfind(ctx, home, "1", propfindCollections)
	if err != nil {
		return nil, err
	}

	var out []task.Collection
	for _, r := range responses {
		col, ok := collectionFromResponse(r)
		if !ok {
			continue
		}
		out = append(out, col)
	}
	return out, nil
}

func collectionFromResponse(r msResponse) (task.Collection, bool) {
	rt := r.prop("resourcetype")
	if !rt.has("calendar") || rt.has("deleted-calendar") {
		return task.Collection{}, false
	}

	col := task.Collection{
		Href:        r.href,
		DisplayName: r.prop("displayname").value(),
		Color:       r.prop("calendar-color").value(),
	}
	for _, comp := range r.prop("supported-calendar-component-set").all("comp") {
		if name := strings.ToUpper(strings.TrimSpace(comp.attrs["name"])); name != "" {
			col.Components = append(col.Components, name)
		}
	}
	if !col.SupportsTodo() {
		return task.Collection{}, false
	}

	if order, err := strconv.Atoi(r.prop("calendar-order").value()); err == nil {
		col.Order = order
	}
	if etag := r.prop("getctag").value(); etag != "" {
		col.ETag = unquoteETag(etag)
	} else {
		col.ETag = unquoteETag(r.prop("getetag").value())
	}
	if col.DisplayName == "" {
		col.DisplayName = lastSegment(col.Href)
	}
	return col, true
}

// FetchResources runs a calendar-query REPORT for every VTODO in collection.
// Responses without calendar-data are skipped.
func (c *Client) FetchResources(ctx context.Context, collection string) ([]Resource, error) {
	res, err := c.do(ctx, "REPORT", collection, strings.NewReader(reportTodos), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	if err := checkStatus("REPORT", collection, res.status); err != nil {
		return nil, err
	}

	responses, err := parseMultistatus(bytes.NewReader(res.body))
	if err != nil {
		return nil, &MalformedError{Href: collection, Err: err}
	}

	var out []Resource
	for _, r := range responses {
		data := r.prop("calendar-data").value()
		if r.href == "" || data == "" {
			continue
		}
		out = append(out, Resource{
			Href: r.href,
			ETag: unquoteETag(r.prop("getetag").value()),
			Data: data,
		})
	}
	return out, nil
}

// GetResource downloads a single object, typically to re-read it after a
// conflicting update.
func (c *Client) GetResource(ctx context.Context, href string) (*Resource, error) {
	res, err := c.do(ctx, http.MethodGet, href, nil, map[string]string{"Accept": ical.MIMEType})
	if err != nil {
		return nil, err
	}
	if err := checkStatus(http.MethodGet, href, res.status); err != nil {
		return nil, err
	}
	return &Resource{
		Href: href,
		ETag: unquoteETag(res.header.Get("ETag")),
		Data: string(res.body),
	}, nil
}

// CreateResource stores a new object named filename under collection. The PUT
// carries If-None-Match: * so an existing resource is never overwritten; a
// collision is reported as a ConflictError.
func (c *Client) CreateResource(ctx context.Context, collection, filename, data string) (href, etag string, err error) {
	href = strings.TrimSuffix(collection, "/") + "/" + url.PathEscape(filename)
	etag, err = c.put(ctx, href, data, &PutOptions{IfNoneMatch: webdav.ConditionalMatch("*")})
	if err != nil {
		return "", "", err
	}
	return href, etag, nil
}

// UpdateResource replaces the object at href. When knownETag is set the PUT
// is conditional and a ConflictError signals a lost update.
func (c *Client) UpdateResource(ctx context.Context, href, data, knownETag string) (string, error) {
	return c.put(ctx, href, data, &PutOptions{IfMatch: webdav.ConditionalMatch(quoteETag(knownETag))})
}

// DeleteResource removes the object at href. A 404 means the resource is
// already gone and is treated as success.
func (c *Client) DeleteResource(ctx context.Context, href, knownETag string) error {
	headers := map[string]string{}
	if match := webdav.ConditionalMatch(quoteETag(knownETag)); match.IsSet() {
		headers["If-Match"] = string(match)
	}

	res, err := c.do(ctx, http.MethodDelete, href, nil, headers)
	if err != nil {
		return err
	}
	if res.status == http.StatusNotFound {
		c.debugf("DELETE %s: already gone", href)
		return nil
	}
	return checkStatus(http.MethodDelete, href, res.status)
}

func (c *Client) put(ctx context.Context, href, data string, opts *PutOptions) (string, error) {
	headers := map[string]string{"Content-Type": ical.MIMEType + "; charset=utf-8"}
	if opts.IfMatch.IsSet() {
		headers["If-Match"] = string(opts.IfMatch)
	}
	if opts.IfNoneMatch.IsSet() {
		headers["If-None-Match"] = string(opts.IfNoneMatch)
	}

	res, err := c.do(ctx, http.MethodPut, href, strings.NewReader(data), headers)
	if err != nil {
		return "", err
	}
	if err := checkStatus(http.MethodPut, href, res.status); err != nil {
		return "", err
	}

	if etag := res.header.Get("ETag"); etag != "" {
		return unquoteETag(etag), nil
	}
	// Some servers omit the ETag on PUT when they rewrite the body.
	etag, err := c.fetchETag(ctx, href)
	if err != nil {
		c.logger.Printf("Warning: no ETag for %s after PUT: %v", href, err)
		return "", nil
	}
	return etag, nil
}

func (c *Client) fetchETag(ctx context.Context, href string) (string, error) {
	responses, err := c.propfind(ctx, href, "0", propfindETag)
	if err != nil {
		return "", err
	}
	for _, r := range responses {
		if etag := r.prop("getetag").value(); etag != "" {
			return unquoteETag(etag), nil
		}
	}
	return "", fmt.Errorf("%w: getetag on %s", ErrPropertyNotFound, href)
}

func (c *Client) propfind(ctx context.Context, href, depth, body string) ([]msResponse, error) {
	res, err := c.do(ctx, "PROPFIND", href, strings.NewReader(body), map[string]string{
		"Depth":        depth,
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	if err := checkStatus("PROPFIND", href, res.status); err != nil {
		return nil, err
	}
	responses, err := parseMultistatus(bytes.NewReader(res.body))
	if err != nil {
		return nil, &MalformedError{Href: href, Err: err}
	}
	return responses, nil
}

type result struct {
	status int
	header http.Header
	body   []byte
}

// do performs one request under the per-call timeout and reads the whole
// body. Connection failures and timeouts become TransientError; cancellation
// of ctx itself is returned unwrapped.
func (c *Client) do(ctx context.Context, method, href string, body io.Reader, headers map[string]string) (*result, error) {
	target, err := c.resolve(href)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientError{Method: method, Href: href, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientError{Method: method, Href: href, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.debugf("%s %s -> %d (%s)", method, href, resp.StatusCode, time.Since(start).Round(time.Millisecond))
	return &result{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid href %q: %w", href, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) debugf(format string, args ...any) {
	if c.verbose {
		c.logger.Printf(format, args...)
	}
}

func checkStatus(method, href string, status int) error {
	switch {
	case status/100 == 2:
		return nil
	case status == http.StatusPreconditionFailed:
		return &ConflictError{Method: method, Href: href}
	default:
		return &HTTPError{Method: method, Href: href, StatusCode: status}
	}
}

func lastSegment(href string) string {
	href = strings.TrimSuffix(href, "/")
	if i := strings.LastIndexByte(href, '/'); i >= 0 {
		href = href[i+1:]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		return unescaped
	}
	return href
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}
