package citadel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConductPostsSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/hearings" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission HearingSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.Intent != "send 1 ETH" {
			t.Fatalf("intent lost in transit: %q", submission.Intent)
		}
		_ = json.NewEncoder(w).Encode(Hearing{
			ID:           "hr-1",
			UserID:       submission.UserID,
			Intent:       submission.Intent,
			FinalVerdict: "ALLOWED",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	hearing, err := client.Conduct(context.Background(), HearingSubmission{
		UserID: "alice",
		Intent: "send 1 ETH",
	})
	if err != nil {
		t.Fatalf("conduct: %v", err)
	}
	if hearing.ID != "hr-1" || hearing.FinalVerdict != "ALLOWED" {
		t.Fatalf("unexpected hearing: %+v", hearing)
	}
}

func TestListHearingsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user_id"); got != "alice" {
			t.Fatalf("expected user_id=alice, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("expected limit=5, got %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Hearing{{ID: "hr-1"}, {ID: "hr-2"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	hearings, err := client.ListHearings(context.Background(), "alice", 5)
	if err != nil {
		t.Fatalf("list hearings: %v", err)
	}
	if len(hearings) != 2 {
		t.Fatalf("expected 2 hearings, got %d", len(hearings))
	}
}

func TestErrorResponsesBecomeAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "听证记录不存在", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetHearing(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", apiErr.StatusCode)
	}
}

func TestListWallets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/wallets" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]Wallet{
			{UserID: "treasury", Tier: "master", Required: 2, Total: 3},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	wallets, err := client.ListWallets(context.Background())
	if err != nil {
		t.Fatalf("list wallets: %v", err)
	}
	if len(wallets) != 1 || wallets[0].Required != 2 {
		t.Fatalf("unexpected wallets: %+v", wallets)
	}
}
