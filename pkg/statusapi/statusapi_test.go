package statusapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinequeue/manager/pkg/statusapi"
)

func TestQueueStatusServesJSONAndCloses(t *testing.T) {
	s := statusapi.New(statusapi.Snapshot{
		QueueStatus: func() interface{} { return map[string]int{"tasks_waiting": 3} },
	}, nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue_status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 3, body["tasks_waiting"])
}

func TestIndexServesHTML(t *testing.T) {
	s := statusapi.New(statusapi.Snapshot{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
