package main

import (
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/account"
)

// TestParseDue tests the accepted due date forms.
func TestParseDue(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "bare date is end of day",
			input: "2026-03-05",
			want:  time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC),
		},
		{
			name:  "rfc3339",
			input: "2026-03-05T08:30:00Z",
			want:  time.Date(2026, 3, 5, 8, 30, 0, 0, time.UTC),
		},
		{
			name:  "natural language",
			input: "tomorrow",
			want:  time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
		},
		{
			name:    "empty",
			input:   "  ",
			wantErr: true,
		},
		{
			name:    "gibberish",
			input:   "qwertyuiop",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDue(tt.input, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseDue(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDue(%q) failed: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseDue(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDefaultAccountID(t *testing.T) {
	tests := []struct {
		acct account.Account
		want string
	}{
		{account.Account{ServerURL: "https://cloud.example.com/dav", Username: "alice"}, "alice@cloud.example.com"},
		{account.Account{ServerURL: "https://cloud.example.com"}, "cloud.example.com"},
	}
	for _, tt := range tests {
		if got := defaultAccountID(&tt.acct); got != tt.want {
			t.Errorf("defaultAccountID(%+v) = %q, want %q", tt.acct, got, tt.want)
		}
	}
}
