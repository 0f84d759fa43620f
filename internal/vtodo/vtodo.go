// Package vtodo converts between task.Task values and iCalendar (RFC 5545)
// VTODO text.
//
// Encoding always produces a single VCALENDAR holding a single VTODO.
// Decoding accepts any number of VCALENDAR blocks, each holding any number of
// VTODO components, and returns every component that maps to a valid task.
package vtodo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/task"
)

// ProductID is written as PRODID on every encoded calendar.
const ProductID = "-//todosync//todosync 1.0//EN"

// ErrMalformed is wrapped by every error describing a component that could
// not be decoded.
var ErrMalformed = errors.New("vtodo: malformed data")

// now is replaced in tests.
var now = time.Now

// MalformedError describes one VTODO (or calendar body) that was skipped.
type MalformedError struct {
	UID    string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.UID == "" {
		return fmt.Sprintf("malformed VTODO: %s", e.Reason)
	}
	return fmt.Sprintf("malformed VTODO %s: %s", e.UID, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Encode renders t as a VCALENDAR containing one VTODO.
//
// If t has no UID, a new one is generated and assigned to t so that the
// caller can persist it alongside the href it will be stored under.
func Encode(t *task.Task) (string, error) {
	if t.UID == "" {
		t.UID = uuid.NewString()
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	todo := ical.NewComponent(ical.CompToDo)
	todo.Props.SetText(ical.PropUID, t.UID)
	todo.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())
	todo.Props.SetText(ical.PropSummary, t.Title)
	if t.Description != "" {
		todo.Props.SetText(ical.PropDescription, t.Description)
	}

	switch {
	case t.Completed:
		todo.Props.SetText(ical.PropStatus, string(task.StatusCompleted))
		completedAt := now().UTC()
		if t.CompletedAt != nil {
			completedAt = t.CompletedAt.UTC()
		}
		todo.Props.SetDateTime(ical.PropCompleted, completedAt)
	case t.Status == task.StatusInProcess:
		todo.Props.SetText(ical.PropStatus, string(task.StatusInProcess))
	default:
		todo.Props.SetText(ical.PropStatus, string(task.StatusNeedsAction))
	}

	if t.Priority != nil {
		prop := ical.NewProp(ical.PropPriority)
		prop.Value = fmt.Sprintf("%d", *t.Priority)
		todo.Props.Set(prop)
	}
	if t.DueAt != nil {
		todo.Props.SetDateTime(ical.PropDue, t.DueAt.UTC())
	}
	if tags := task.NormalizeTags(t.Tags); len(tags) > 0 {
		prop := ical.NewProp(ical.PropCategories)
		prop.SetTextList(tags)
		todo.Props.Set(prop)
	}
	if t.ParentUID != "" {
		todo.Props.SetText(ical.PropRelatedTo, t.ParentUID)
	}

	cal.Children = append(cal.Children, todo)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode VTODO %s: %w", t.UID, err)
	}
	return buf.String(), nil
}

// DecodeAll returns every valid VTODO found in text.
//
// Components that cannot be mapped to a task are skipped. The returned error
// joins one *MalformedError per skipped component (or unparseable body) and
// is nil when nothing was skipped; the valid tasks are returned either way.
// Decoded tasks carry CalDAV content only: ID, AccountID, ListID, Href and
// ETag are left for the caller to fill in.
func DecodeAll(text string) ([]*task.Task, error) {
	var (
		tasks []*task.Task
		errs  []error
	)

	// Multistatus bodies often arrive with the final line break trimmed.
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\r\n"
	}

	calendars := 0
	for _, block := range splitCalendars(text) {
		// A broken block only loses itself; decoding resumes at the next
		// BEGIN:VCALENDAR.
		cal, err := ical.NewDecoder(strings.NewReader(block)).Decode()
		if err == io.EOF {
			// Blocks are never blank, so EOF means the calendar was cut off.
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			errs = append(errs, &MalformedError{Reason: fmt.Sprintf("invalid iCalendar data: %v", err)})
			continue
		}
		calendars++

		for _, child := range cal.Children {
			if child.Name != ical.CompToDo {
				continue
			}
			t, err := decodeTodo(child)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			tasks = append(tasks, t)
		}
	}

	if calendars == 0 && len(errs) == 0 {
		errs = append(errs, &MalformedError{Reason: "no VCALENDAR found"})
	}
	return tasks, errors.Join(errs...)
}

// splitCalendars cuts text before every BEGIN:VCALENDAR line. Blank
// stretches are dropped; other text outside a calendar becomes its own block.
func splitCalendars(text string) []string {
	var blocks []string
	add := func(block string) {
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}

	start := 0
	for i := 0; i < len(text); {
		next := len(text)
		if n := strings.IndexByte(text[i:], '\n'); n >= 0 {
			next = i + n + 1
		}
		line := strings.TrimSpace(text[i:next])
		if i > start && strings.EqualFold(line, "BEGIN:VCALENDAR") {
			add(text[start:i])
			start = i
		}
		i = next
	}
	add(text[start:])
	return blocks
}

// Decode returns the first valid VTODO in text.
func Decode(text string) (*task.Task, error) {
	tasks, err := DecodeAll(text)
	if len(tasks) == 0 {
		if err == nil {
			err = &MalformedError{Reason: "no VTODO found"}
		}
		return nil, err
	}
	return tasks[0], nil
}

// MalformedCount reports how many components an error returned by DecodeAll
// describes.
func MalformedCount(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

func decodeTodo(comp *ical.Component) (*task.Task, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, &MalformedError{Reason: "missing UID"}
	}
	if comp.Props.Get(ical.PropSummary) == nil {
		return nil, &MalformedError{UID: uid, Reason: "missing SUMMARY"}
	}

	t := &task.Task{UID: uid}

	var err error
	if t.Title, err = comp.Props.Text(ical.PropSummary); err != nil {
		return nil, &MalformedError{UID: uid, Reason: fmt.Sprintf("invalid SUMMARY: %v", err)}
	}
	if t.Description, err = comp.Props.Text(ical.PropDescription); err != nil {
		return nil, &MalformedError{UID: uid, Reason: fmt.Sprintf("invalid DESCRIPTION: %v", err)}
	}

	if t.DueAt, err = dateTimeProp(comp, ical.PropDue); err != nil {
		return nil, &MalformedError{UID: uid, Reason: err.Error()}
	}
	if t.CompletedAt, err = dateTimeProp(comp, ical.PropCompleted); err != nil {
		return nil, &MalformedError{UID: uid, Reason: err.Error()}
	}

	status, _ := comp.Props.Text(ical.PropStatus)
	switch task.Status(strings.ToUpper(strings.TrimSpace(status))) {
	case task.StatusCompleted:
		t.Status = task.StatusCompleted
	case task.StatusInProcess:
		t.Status = task.StatusInProcess
	default:
		t.Status = task.StatusNeedsAction
	}
	// A COMPLETED timestamp without a matching STATUS still marks the task done.
	if t.CompletedAt != nil {
		t.Status = task.StatusCompleted
	}
	t.Completed = t.Status == task.StatusCompleted

	if prop := comp.Props.Get(ical.PropPriority); prop != nil {
		// 0 means undefined; anything outside 1-9 is ignored.
		if p, err := prop.Int(); err == nil && p >= 1 && p <= 9 {
			t.Priority = task.PriorityPtr(p)
		}
	}

	var tags []string
	for _, prop := range comp.Props[ical.PropCategories] {
		values, err := prop.TextList()
		if err != nil {
			return nil, &MalformedError{UID: uid, Reason: fmt.Sprintf("invalid CATEGORIES: %v", err)}
		}
		tags = append(tags, values...)
	}
	t.Tags = task.NormalizeTags(tags)

	for _, prop := range comp.Props[ical.PropRelatedTo] {
		reltype := strings.ToUpper(prop.Params.Get("RELTYPE"))
		if reltype != "" && reltype != "PARENT" {
			continue
		}
		if parent, err := prop.Text(); err == nil {
			t.ParentUID = strings.TrimSpace(parent)
			break
		}
	}

	modified, err := dateTimeProp(comp, ical.PropLastModified)
	if err != nil || modified == nil {
		modified, _ = dateTimeProp(comp, ical.PropDateTimeStamp)
	}
	if modified != nil {
		t.UpdatedAt = *modified
	} else {
		t.UpdatedAt = now().UTC()
	}

	return t, nil
}

// dateTimeProp parses a DATE-TIME or DATE property in UTC. A missing property
// yields nil.
func dateTimeProp(comp *ical.Component, name string) (*time.Time, error) {
	prop := comp.Props.Get(name)
	if prop == nil || strings.TrimSpace(prop.Value) == "" {
		return nil, nil
	}
	if v, err := prop.DateTime(time.UTC); err == nil {
		v = v.UTC()
		return &v, nil
	}

	// Some servers send bare dates without VALUE=DATE.
	value := strings.TrimSpace(prop.Value)
	for _, layout := range []string{"20060102", "20060102T150405Z", "20060102T150405"} {
		if v, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("invalid %s value %q", name, value)
}
