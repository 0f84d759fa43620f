package merge

import (
	"reflect"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/task"
)

func baseTask() *task.Task {
	return &task.Task{
		ID:        "local-1",
		AccountID: "acct",
		ListID:    "/cal/tasks/",
		UID:       "uid-1",
		Href:      "/cal/tasks/uid-1.ics",
		ETag:      "e1",
		Title:     "Buy milk",
		Status:    task.StatusNeedsAction,
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// pair returns a local copy carrying a snapshot of the base, and a server copy
// with a newer etag.
func pair() (server, local *task.Task) {
	b := baseTask()
	local = b.Clone()
	local.BaseSnapshot = b.Snapshot()

	server = b.Clone()
	server.ID = ""
	server.AccountID = ""
	server.ETag = "e2"
	server.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	return server, local
}

// TestMerge_Scenario tests a local completion combined with a server rename.
func TestMerge_Scenario(t *testing.T) {
	server, local := pair()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	local.SetCompleted(true, now)
	server.Title = "Buy milk and eggs"

	res := Merge(server, local)
	got := res.Task

	if got.Title != "Buy milk and eggs" {
		t.Errorf("Title = %q, want server rename", got.Title)
	}
	if !got.Completed || got.Status != task.StatusCompleted {
		t.Errorf("Completed/Status = %t/%s, want local completion", got.Completed, got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("Conflicts = %v, want none", res.Conflicts)
	}
	if got.ID != "local-1" || got.AccountID != "acct" {
		t.Errorf("local identity lost: id=%q account=%q", got.ID, got.AccountID)
	}
	if got.ETag != "e2" || !got.UpdatedAt.Equal(server.UpdatedAt) {
		t.Errorf("ETag/UpdatedAt = %q/%v, want server values", got.ETag, got.UpdatedAt)
	}
	if !reflect.DeepEqual(got.BaseSnapshot, server.Snapshot()) {
		t.Errorf("BaseSnapshot = %+v, want snapshot of server", got.BaseSnapshot)
	}
}

// TestMerge_PerFieldRules tests each branch of the three-way rule on one field
// while the other fields stay untouched.
func TestMerge_PerFieldRules(t *testing.T) {
	tests := []struct {
		name         string
		local        string
		server       string
		want         string
		wantDecision Decision
		wantConflict bool
	}{
		{"neither changed", "Buy milk", "Buy milk", "Buy milk", Unchanged, false},
		{"server only", "Buy milk", "Buy oat milk", "Buy oat milk", TakeServer, false},
		{"local only", "Buy soy milk", "Buy milk", "Buy soy milk", TakeLocal, false},
		{"same change", "Buy bread", "Buy bread", "Buy bread", Converged, false},
		{"conflict", "Buy bread", "Buy eggs", "Buy eggs", ServerWins, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, local := pair()
			local.Title = tt.local
			server.Title = tt.server
			// An independent local edit that must survive any title outcome.
			local.Description = "from the corner shop"

			res := Merge(server, local)
			if res.Task.Title != tt.want {
				t.Errorf("Title = %q, want %q", res.Task.Title, tt.want)
			}
			if res.Decisions["title"] != tt.wantDecision {
				t.Errorf("decision = %s, want %s", res.Decisions["title"], tt.wantDecision)
			}
			if (len(res.Conflicts) == 1) != tt.wantConflict {
				t.Errorf("Conflicts = %v, want conflict=%t", res.Conflicts, tt.wantConflict)
			}
			if res.Task.Description != "from the corner shop" {
				t.Errorf("Description = %q, local edit lost", res.Task.Description)
			}
		})
	}
}

func TestMerge_OptionalFields(t *testing.T) {
	due := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	server, local := pair()

	local.Priority = task.PriorityPtr(1)
	local.Tags = []string{"errand"}
	server.DueAt = &due
	server.ParentUID = "uid-parent"

	res := Merge(server, local)
	got := res.Task

	if got.Priority == nil || *got.Priority != 1 {
		t.Errorf("Priority = %v, want local 1", got.Priority)
	}
	if !reflect.DeepEqual(got.Tags, []string{"errand"}) {
		t.Errorf("Tags = %v, want local tags", got.Tags)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Errorf("DueAt = %v, want server due", got.DueAt)
	}
	if got.ParentUID != "uid-parent" {
		t.Errorf("ParentUID = %q, want server parent", got.ParentUID)
	}

	// The result must not alias the inputs.
	*got.Priority = 5
	got.Tags[0] = "changed"
	if *local.Priority != 1 || local.Tags[0] != "errand" {
		t.Error("merged task aliases local fields")
	}
}

// TestMerge_NoSnapshot tests that a task without merge history takes the
// server version.
func TestMerge_NoSnapshot(t *testing.T) {
	server, local := pair()
	local.BaseSnapshot = nil
	local.Title = "local rename"
	server.Title = "server title"

	res := Merge(server, local)
	if res.Task.Title != "server title" {
		t.Errorf("Title = %q, want server title", res.Task.Title)
	}
	if res.Task.BaseSnapshot == nil || res.Task.BaseSnapshot.Title != "server title" {
		t.Errorf("BaseSnapshot = %+v, want server snapshot", res.Task.BaseSnapshot)
	}
	if res.Task.ID != "local-1" {
		t.Errorf("ID = %q, want local id kept", res.Task.ID)
	}

	res = Merge(server, nil)
	if res.Task.Title != "server title" || res.Task.BaseSnapshot == nil {
		t.Errorf("Merge(server, nil) = %+v", res.Task)
	}
}

// TestMerge_CompletionConsistency tests that the completed flag and status
// never disagree after independent resolution.
func TestMerge_CompletionConsistency(t *testing.T) {
	server, local := pair()
	local.SetCompleted(true, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	server.Status = task.StatusInProcess

	res := Merge(server, local)
	got := res.Task
	if err := got.Validate(); err != nil {
		t.Fatalf("merged task invalid: %v", err)
	}
	if !got.Completed || got.Status != task.StatusCompleted {
		t.Errorf("Completed/Status = %t/%s", got.Completed, got.Status)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Field != "status" {
		t.Errorf("Conflicts = %v, want status conflict", res.Conflicts)
	}
}

func TestDecisionString(t *testing.T) {
	if ServerWins.String() != "server_wins" || Decision(99).String() != "unknown" {
		t.Error("unexpected Decision.String() output")
	}
}
