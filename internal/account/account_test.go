package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		acct    Account
		wantErr bool
	}{
		{"basic", Account{ID: "a", ServerURL: "https://dav.example.com", Username: "alice", Kind: Basic}, false},
		{"bearer without username", Account{ID: "a", ServerURL: "https://dav.example.com", Kind: Bearer}, false},
		{"no server yet", Account{ID: "a", Username: "alice", Kind: Basic}, false},
		{"missing id", Account{ServerURL: "https://dav.example.com", Username: "alice", Kind: Basic}, true},
		{"basic without username", Account{ID: "a", Kind: Basic}, true},
		{"ftp url", Account{ID: "a", ServerURL: "ftp://x", Username: "alice", Kind: Basic}, true},
		{"unknown kind", Account{ID: "a", Username: "alice", Kind: "digest"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.acct.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	if _, err := Resolve(ctx, Static{}); !IsUnavailable(err) {
		t.Errorf("Resolve(no account) = %v, want ErrNoActiveAccount", err)
	}
	if _, err := Resolve(ctx, Static{Account: &Account{ID: "a"}}); err != ErrNoActiveServer {
		t.Errorf("Resolve(no server) = %v, want ErrNoActiveServer", err)
	}
	a, err := Resolve(ctx, Static{Account: &Account{ID: "a", ServerURL: "https://x"}})
	if err != nil || a.ID != "a" {
		t.Errorf("Resolve() = %v, %v", a, err)
	}
}

// TestHTTPClient tests that both credential kinds set the Authorization header.
func TestHTTPClient(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	tests := []struct {
		name string
		acct Account
		want string
	}{
		{"basic", Account{Kind: Basic, Username: "alice", Secret: "secret"}, "Basic YWxpY2U6c2VjcmV0"},
		{"bearer", Account{Kind: Bearer, Secret: "tok123"}, "Bearer tok123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := tt.acct.HTTPClient(context.Background(), srv.Client())
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			resp, err := hc.Do(req)
			if err != nil {
				t.Fatalf("Do() failed: %v", err)
			}
			resp.Body.Close()
			if got != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
		})
	}
}
