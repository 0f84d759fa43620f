// Package caldavtest provides an in-memory CalDAV server for tests.
//
// The server understands exactly the requests internal/caldav sends:
// principal and home-set discovery, a Depth 1 PROPFIND on the calendar home,
// calendar-query REPORTs, and GET/PUT/DELETE of single objects with
// If-Match and If-None-Match. Every request is recorded and failures can be
// injected per method and path.
package caldavtest

import (
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/caldav"
)

const (
	// PrincipalPath is returned as current-user-principal.
	PrincipalPath = "/remote.php/dav/principals/users/alice/"
	// HomePath is returned as calendar-home-set.
	HomePath = "/remote.php/dav/calendars/alice/"
)

// Request is one recorded request.
type Request struct {
	Method      string
	Path        string
	IfMatch     string
	IfNoneMatch string
	Body        string
}

type calendar struct {
	name       string
	components []string
	deleted    bool
}

type object struct {
	data string
	etag string
}

type failure struct {
	status int
	times  int
}

// Server is a fake CalDAV server backed by maps.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	calendars map[string]*calendar
	objects   map[string]*object
	failures  map[string]*failure
	requests  []Request
	delay     time.Duration
	seq       int
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		calendars: make(map[string]*calendar),
		objects:   make(map[string]*object),
		failures:  make(map[string]*failure),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(s.Close)
	return s
}

// Client returns a caldav.Client pointed at the server.
func (s *Server) Client(t testing.TB) *caldav.Client {
	t.Helper()

	client, err := caldav.NewClient(s.Server.Client(), s.URL, &caldav.Options{
		Timeout: 2 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("caldav.NewClient() failed: %v", err)
	}
	return client
}

// CalendarPath returns the href of the calendar named name.
func CalendarPath(name string) string {
	return HomePath + name + "/"
}

// AddCalendar creates a calendar under the home set and returns its href.
// With no components the calendar supports VTODO only.
func (s *Server) AddCalendar(name string, components ...string) string {
	if len(components) == 0 {
		components = []string{"VTODO"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	href := CalendarPath(name)
	s.calendars[href] = &calendar{name: name, components: components}
	return href
}

// TrashCalendar flags a calendar as deleted-calendar, the way Nextcloud
// reports calendars in its trash bin.
func (s *Server) TrashCalendar(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cal, ok := s.calendars[href]; ok {
		cal.deleted = true
	}
}

// RemoveCalendar drops a calendar and all of its objects.
func (s *Server) RemoveCalendar(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.calendars, href)
	for objHref := range s.objects {
		if strings.HasPrefix(objHref, href) {
			delete(s.objects, objHref)
		}
	}
}

// PutObject stores data at href as if another client had written it and
// returns the new etag.
func (s *Server) PutObject(href, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(href, data)
}

// Object returns the stored body and etag of href.
func (s *Server) Object(href string) (data, etag string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[href]
	if !ok {
		return "", "", false
	}
	return obj.data, obj.etag, true
}

// DeleteObject removes href as if another client had deleted it.
func (s *Server) DeleteObject(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, href)
}

// Objects returns the hrefs of all stored objects, sorted.
func (s *Server) Objects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.objects))
	for href := range s.objects {
		out = append(out, href)
	}
	sort.Strings(out)
	return out
}

// Fail makes the next times requests with method on path answer status.
// An empty path matches any path; times < 0 fails forever.
func (s *Server) Fail(method, path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, times: times}
}

// SetDelay makes every request sleep for d before it is answered.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Requests returns the recorded requests, optionally only those with method.
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) store(href, data string) string {
	s.seq++
	etag := fmt.Sprintf("etag-%d", s.seq)
	s.objects[href] = &object{data: data, etag: etag}
	return etag
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		IfMatch:     r.Header.Get("If-Match"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
		Body:        string(body),
	})
	delay := s.delay
	status := s.injected(r.Method, r.URL.Path)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case "PROPFIND":
		s.propfind(w, r)
	case "REPORT":
		s.report(w, r)
	case http.MethodGet:
		s.get(w, r)
	case http.MethodPut:
		s.put(w, r, string(body))
	case http.MethodDelete:
		s.delete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// injected must be called with s.mu held.
func (s *Server) injected(method, path string) int {
	for _, key := range []string{method + " " + path, method + " "} {
		f, ok := s.failures[key]
		if !ok {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(s.failures, key)
			}
		}
		return f.status
	}
	return 0
}

func (s *Server) propfind(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == caldav.DefaultRootPath || path == caldav.DefaultRootPath+"/":
		writeMultistatus(w, response(path, `<d:current-user-principal><d:href>`+PrincipalPath+`</d:href></d:current-user-principal>`))
	case path == PrincipalPath:
		writeMultistatus(w, response(path, `<c:calendar-home-set><d:href>`+HomePath+`</d:href></c:calendar-home-set>`))
	case path == HomePath:
		var b strings.Builder
		b.WriteString(response(HomePath, `<d:resourcetype><d:collection/></d:resourcetype>`))
		hrefs := make([]string, 0, len(s.calendars))
		for href := range s.calendars {
			hrefs = append(hrefs, href)
		}
		sort.Strings(hrefs)
		for i, href := range hrefs {
			cal := s.calendars[href]
			var comps strings.Builder
			for _, c := range cal.components {
				fmt.Fprintf(&comps, `<c:comp name="%s"/>`, c)
			}
			rt := `<d:collection/><c:calendar/>`
			if cal.deleted {
				rt += `<x:deleted-calendar xmlns:x="http://nextcloud.com/ns"/>`
			}
			b.WriteString(response(href, fmt.Sprintf(
				`<d:displayname>%s</d:displayname><d:resourcetype>%s</d:resourcetype>`+
					`<c:supported-calendar-component-set>%s</c:supported-calendar-component-set>`+
					`<ic:calendar-order>%d</ic:calendar-order><cs:getctag>"ctag-%d"</cs:getctag>`,
				escape(cal.name), rt, comps.String(), i, s.seq)))
		}
		writeMultistatus(w, b.String())
	default:
		obj, ok := s.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeMultistatus(w, response(path, `<d:getetag>"`+obj.etag+`"</d:getetag>`))
	}
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Path
	if _, ok := s.calendars[collection]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	hrefs := make([]string, 0)
	for href := range s.objects {
		if strings.HasPrefix(href, collection) {
			hrefs = append(hrefs, href)
		}
	}
	sort.Strings(hrefs)

	var b strings.Builder
	for _, href := range hrefs {
		obj := s.objects[href]
		b.WriteString(response(href, `<d:getetag>"`+obj.etag+`"</d:getetag><c:calendar-data>`+escape(obj.data)+`</c:calendar-data>`))
	}
	writeMultistatus(w, b.String())
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.objects[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", `"`+obj.etag+`"`)
	_, _ = io.WriteString(w, obj.data)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, body string) {
	path := r.URL.Path
	existing, exists := s.objects[path]

	if r.Header.Get("If-None-Match") == "*" && exists {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" {
		if !exists || strings.Trim(match, `"`) != existing.etag {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
	}

	etag := s.store(path, body)
	w.Header().Set("ETag", `"`+etag+`"`)
	if exists {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	existing, exists := s.objects[path]
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && strings.Trim(match, `"`) != existing.etag {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	delete(s.objects, path)
	w.WriteHeader(http.StatusNoContent)
}

func response(href, props string) string {
	return `<d:response><d:href>` + escape(href) + `</d:href><d:propstat><d:prop>` + props +
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`
}

func writeMultistatus(w http.ResponseWriter, responses string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" `+
		`xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">`+
		responses+`</d:multistatus>`)
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
