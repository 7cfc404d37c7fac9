package analytics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/testutil"
)

func TestRefreshUpsertsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, testutil.UserID, r.URL.Query().Get("user_id"))
		assert.Equal(t, "7d", r.URL.Query().Get("window"))
		_, _ = w.Write([]byte(`{"metrics":{"weekly_signups":41,"churn_rate":0.03}}`))
	}))
	defer srv.Close()

	st := testutil.NewStore(t)
	r, err := NewHTTPRefresher(srv.URL+"/metrics?window=7d", "secret", st)
	require.NoError(t, err)
	require.NoError(t, r.Refresh(context.Background(), testutil.UserID))

	metrics, err := st.ListMetrics(context.Background(), testutil.UserID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "churn_rate", metrics[0].Name)
	assert.Equal(t, 0.03, metrics[0].Value)
	assert.Equal(t, 41.0, metrics[1].Value)
}

func TestRefreshReportsUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r, err := NewHTTPRefresher(srv.URL, "", testutil.NewStore(t))
	require.NoError(t, err)
	assert.ErrorContains(t, r.Refresh(context.Background(), testutil.UserID), "429")

	_, err = NewHTTPRefresher("not a url", "", nil)
	assert.Error(t, err)
}
