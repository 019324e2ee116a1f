package converge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
)

func newRequirementServer(t *testing.T, wantToken string, reqs []requirement.Requirement) *httptest.Server {
	t.Helper()
	byID := make(map[string]requirement.Requirement, len(reqs))
	for _, r := range reqs {
		byID[r.ID] = r
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" {
			require.Equal(t, "Bearer "+wantToken, r.Header.Get("Authorization"))
		}
		switch {
		case r.URL.Path == "/sync/database":
			json.NewEncoder(w).Encode(reqs)
		default:
			id := r.URL.Path[len("/sync/requirements/"):]
			req, ok := byID[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(req)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFetch(t *testing.T) {
	srv := newRequirementServer(t, "peer-secret", []requirement.Requirement{
		{ID: "REQ-SYNC-001", Status: requirement.StatusComplete, Text: "converge after heal"},
	})
	client := NewClient("peer-secret", time.Second)
	remote := requirement.Remote{Alias: "sync", Repo: "rtmx-ai/rtmx-sync", BaseURL: srv.URL}

	req, err := client.Fetch(context.Background(), remote, "REQ-SYNC-001")
	require.NoError(t, err)
	require.Equal(t, "converge after heal", req.Text)

	_, err = client.Fetch(context.Background(), remote, "REQ-NOPE")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestClientFetchDatabase(t *testing.T) {
	srv := newRequirementServer(t, "", []requirement.Requirement{
		{ID: "REQ-1"}, {ID: "REQ-2"},
	})
	client := NewClient("", time.Second)

	db, err := client.FetchDatabase(context.Background(),
		requirement.Remote{Alias: "sync", BaseURL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, 2, db.Len())
	require.True(t, db.Exists("REQ-2"))
}

func TestClientFetchUnreachableRemote(t *testing.T) {
	client := NewClient("", 100*time.Millisecond)
	_, err := client.Fetch(context.Background(),
		requirement.Remote{Alias: "sync", BaseURL: "http://127.0.0.1:1"}, "REQ-1")
	require.Error(t, err)

	_, err = client.FetchDatabase(context.Background(),
		requirement.Remote{Alias: "sync", BaseURL: "http://127.0.0.1:1"})
	require.Error(t, err)
}

func TestStatusSource(t *testing.T) {
	srv := newRequirementServer(t, "", []requirement.Requirement{
		{ID: "REQ-SYNC-001", Status: requirement.StatusInProgress},
	})
	source := StatusSource{
		Client: NewClient("", time.Second),
		Remotes: requirement.NewRemotes([]requirement.Remote{
			{Alias: "sync", Repo: "rtmx-ai/rtmx-sync", BaseURL: srv.URL},
		}),
	}
	ctx := context.Background()

	status, ok := source.Status(ctx, requirement.Ref{Alias: "sync", ID: "REQ-SYNC-001"})
	require.True(t, ok)
	require.Equal(t, requirement.StatusInProgress, status)

	_, ok = source.Status(ctx, requirement.Ref{Alias: "sync", ID: "REQ-NOPE"})
	require.False(t, ok)

	_, ok = source.Status(ctx, requirement.Ref{Alias: "ghost", ID: "REQ-1"})
	require.False(t, ok)
}
