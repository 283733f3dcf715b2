package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/metrics"
	"github.com/sipeed/picoquote/pkg/quote"
)

func newTestServer(t *testing.T) (*httptest.Server, *quote.Store, []quote.Quote) {
	t.Helper()
	store, _, err := quote.Open(quote.Options{Path: filepath.Join(t.TempDir(), "quotes.json"), Dedup: true})
	require.NoError(t, err)

	var added []quote.Quote
	for _, q := range []quote.Quote{
		{AuthorID: "1", DisplayName: "Alice", Text: "first", IsolationKey: "g1"},
		{AuthorID: "2", DisplayName: "Bob", Text: "second", IsolationKey: "g1"},
		{AuthorID: "1", DisplayName: "Alice", Text: "elsewhere", IsolationKey: "g2"},
	} {
		stored, err := store.Add(q)
		require.NoError(t, err)
		added = append(added, stored)
	}

	collector := metrics.New()
	collector.TrackQuotes(store.Len)
	status := func() map[string]interface{} {
		return map[string]interface{}{"onebot": map[string]interface{}{"running": true}}
	}
	srv := New(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, store, collector, status)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, added
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["quotes"])
	assert.Contains(t, body, "channels")
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "picoquote_quotes 3")
}

func TestListQuotes(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var page struct {
		Total  int           `json:"total"`
		Offset int           `json:"offset"`
		Quotes []quote.Quote `json:"quotes"`
	}
	code := getJSON(t, ts.URL+"/api/quotes?scope=g1", &page)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Quotes, 2)

	code = getJSON(t, ts.URL+"/api/quotes?author=1&limit=1", &page)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Quotes, 1)
	assert.Equal(t, "1", page.Quotes[0].AuthorID)

	code = getJSON(t, ts.URL+"/api/quotes?offset=10", &page)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, page.Quotes)

	code = getJSON(t, ts.URL+"/api/quotes?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRandomAndGetQuote(t *testing.T) {
	ts, _, added := newTestServer(t)

	var q quote.Quote
	code := getJSON(t, ts.URL+"/api/quotes/random?scope=g2", &q)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "elsewhere", q.Text)

	code = getJSON(t, ts.URL+"/api/quotes/random?scope=missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = getJSON(t, ts.URL+"/api/quotes/"+added[1].ID, &q)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "second", q.Text)
	assert.Equal(t, "Bob", q.DisplayName)

	var errBody map[string]interface{}
	code = getJSON(t, ts.URL+"/api/quotes/nope", &errBody)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, true, errBody["error"])
}
