package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Statement(t *testing.T) {
	r := New()

	r.Statement("copy", "staging_events", 2*time.Second, nil)
	r.Statement("copy", "staging_events", time.Second, nil)
	r.Statement("insert", "users", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.statements.WithLabelValues("copy", "staging_events", StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.statements.WithLabelValues("insert", "users", StatusError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.statements.WithLabelValues("insert", "users", StatusOK)))
	assert.Equal(t, 2, testutil.CollectAndCount(r.duration))
}

func TestRecorder_TableRows(t *testing.T) {
	r := New()

	r.TableRows("songplays", 10)
	r.TableRows("songplays", 7)

	assert.Equal(t, 7.0, testutil.ToFloat64(r.rows.WithLabelValues("songplays")))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.TableRows("users", 3)
	r.RunSucceeded(time.Unix(1700000000, 0))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dwh_table_rows{table="users"} 3`)
	assert.Contains(t, string(body), "dwh_last_success_timestamp_seconds 1.7e+09")
}

func TestRecorder_Push(t *testing.T) {
	var gotPath, gotBody string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		b, _ := io.ReadAll(req.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	r := New()
	r.Statement("drop", "users", time.Millisecond, nil)

	require.NoError(t, r.Push(context.Background(), gw.URL, ""))
	assert.Equal(t, "/metrics/job/"+DefaultJob, gotPath)
	assert.NotEmpty(t, gotBody)
}

func TestRecorder_PushErrors(t *testing.T) {
	r := New()
	assert.Error(t, r.Push(context.Background(), "", "job"))

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer gw.Close()

	err := r.Push(context.Background(), gw.URL, "job")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), gw.URL))
}

type fakeCounter map[string]int64

func (f fakeCounter) CountRows(_ context.Context, table string) (int64, error) {
	n, ok := f[table]
	if !ok {
		return 0, errors.New("table does not exist")
	}
	return n, nil
}

func TestRecorder_LiveTableRows(t *testing.T) {
	counter := fakeCounter{"songplays": 3, "users": 5}
	r := New(WithLiveTableRows(counter, "songplays", "users", "time"))
	r.TableRows("songplays", 99)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "an uncountable table does not fail the scrape")

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(b)

	tests := []struct {
		name    string
		line    string
		present bool
	}{
		{name: "counted at scrape time", line: `dwh_table_rows{table="songplays"} 3`, present: true},
		{name: "second table", line: `dwh_table_rows{table="users"} 5`, present: true},
		{name: "recorded value ignored", line: `dwh_table_rows{table="songplays"} 99`},
		{name: "uncountable table left out", line: `dwh_table_rows{table="time"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.present {
				assert.Contains(t, body, tt.line)
			} else {
				assert.NotContains(t, body, tt.line)
			}
		})
	}
}
