package oracle_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claimline/internal/apperr"
	"claimline/internal/oracle"
)

func TestHTTPClientVerdict(t *testing.T) {
	var got oracle.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decision":"Approve","reason":"follower visible","confidence":0.93}`))
	}))
	defer srv.Close()

	c := oracle.NewHTTPClient(srv.URL, time.Second)
	v, err := c.Verify(context.Background(), oracle.Request{AssignmentID: "a-1", ProofRef: "https://cdn.example/p.png", ActionType: "follow"})
	require.NoError(t, err)
	require.Equal(t, "approve", v.Decision)
	require.InDelta(t, 0.93, v.Confidence, 1e-9)
	require.Equal(t, "a-1", got.AssignmentID)
	require.Equal(t, "https://cdn.example/p.png", got.ProofRef)
}

func TestHTTPClientFailuresAreUpstreamUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"unknown decision": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"decision":"maybe"}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c := oracle.NewHTTPClient(srv.URL, 100*time.Millisecond)
			_, err := c.Verify(context.Background(), oracle.Request{AssignmentID: "a-1"})
			require.Error(t, err)
			require.ErrorIs(t, err, apperr.UpstreamUnavailable)
			require.True(t, apperr.Retryable(err))
		})
	}
}

func TestStatic(t *testing.T) {
	v, err := oracle.Static{Decision: "reject"}.Verify(context.Background(), oracle.Request{})
	require.NoError(t, err)
	require.Equal(t, "reject", v.Decision)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = oracle.Static{}.Verify(ctx, oracle.Request{})
	require.ErrorIs(t, err, apperr.UpstreamUnavailable)
}
