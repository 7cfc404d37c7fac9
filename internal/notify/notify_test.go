package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarkNotifierPostsForm(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/device-key/")
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "Routine failed: docs", "rate limited"))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/device-key", got.URL.Path)
	assert.Equal(t, "Routine failed: docs", got.URL.Query().Get("title"))
	assert.Equal(t, "rate limited", got.URL.Query().Get("body"))
	assert.Equal(t, "agentcrew", got.URL.Query().Get("group"))

	_, err = NewBarkNotifier("  ")
	assert.Error(t, err)
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL)
	require.NoError(t, err)
	err = n.Send(context.Background(), "Task failed: x", "boom")
	assert.ErrorContains(t, err, "502")
	assert.Equal(t, "Task failed: x", payload["title"])
	assert.Equal(t, "agentcrew", payload["source"])
}

type failing struct{ calls int }

func (f *failing) Send(context.Context, string, string) error {
	f.calls++
	return errors.New("down")
}

func TestMultiNotifierTriesEveryChannel(t *testing.T) {
	a, b := &failing{}, &failing{}
	m := NewMultiNotifier(a, nil, NoOpNotifier{}, b)
	assert.Equal(t, 3, m.Len())

	err := m.Send(context.Background(), "t", "b")
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.ErrorContains(t, err, "notifier 2")

	assert.NoError(t, NewMultiNotifier().Send(context.Background(), "t", "b"))
}
