package service_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/taskpool/internal/model"
	"github.com/CZERTAINLY/taskpool/internal/service"

	"github.com/stretchr/testify/require"
)

func TestSinks(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer

	sinks, err := service.Sinks(model.Service{}, &out)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	require.IsType(t, service.WriteSink{}, sinks[0])
	require.NoError(t, sinks[0].Upload(t.Context(), []byte(`{}`)))
	require.Equal(t, `{}`, out.String())

	sinks, err = service.Sinks(model.Service{
		Dir:        t.TempDir(),
		Repository: &model.Repository{Enabled: true, URL: "http://localhost:8080"},
	}, &out)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	require.IsType(t, &service.DirSink{}, sinks[0])
	require.IsType(t, &service.RepoSink{}, sinks[1])
	require.NoError(t, sinks[0].(service.SinkCloser).Close())

	// a disabled repository does not count
	sinks, err = service.Sinks(model.Service{
		Repository: &model.Repository{URL: "http://localhost:8080"},
	}, &out)
	require.NoError(t, err)
	require.Len(t, sinks, 1)

	_, err = service.Sinks(model.Service{
		Dir:        t.TempDir(),
		Repository: &model.Repository{Enabled: true, URL: "localhost"},
	}, &out)
	require.Error(t, err)
}

func TestDirSink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink, err := service.NewDirSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Upload(t.Context(), []byte(`{"batch":"x"}`)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "taskpool-"))
	require.Equal(t, ".json", filepath.Ext(entries[0].Name()))
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.JSONEq(t, `{"batch":"x"}`, string(raw))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.ErrorContains(t, sink.Upload(t.Context(), nil), "root already closed")

	_, err = service.NewDirSink(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestRepoSink(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario    string
		status      int
		contentType string
		body        string
		then        string
	}{
		{
			scenario:    "created",
			status:      http.StatusCreated,
			contentType: "application/json; charset=utf-8",
			body:        `{"id":"42"}`,
		},
		{
			scenario:    "created without id",
			status:      http.StatusCreated,
			contentType: "application/json",
			body:        `{}`,
			then:        "received unexpected body",
		},
		{
			scenario:    "created wrong content type",
			status:      http.StatusCreated,
			contentType: "text/plain",
			body:        `42`,
			then:        "expected `application/json` content type",
		},
		{
			scenario:    "problem",
			status:      http.StatusBadRequest,
			contentType: "application/problem+json",
			body:        `{"detail":"kind is missing"}`,
			then:        "status code: 400, detail: kind is missing",
		},
		{
			scenario:    "server error",
			status:      http.StatusInternalServerError,
			contentType: "text/plain",
			body:        "oops",
			then:        "unknown error, status: 500, body: oops",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var got []byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/api/v1/results" || r.Header.Get("Content-Type") != "application/json" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				got, _ = io.ReadAll(r.Body)
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			sink, err := service.NewRepoSink(srv.URL + "/")
			require.NoError(t, err)
			err = sink.Upload(t.Context(), []byte(`{"batch":"x"}`))
			if tc.then == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tc.then)
			}
			require.Equal(t, `{"batch":"x"}`, string(got))
		})
	}
}

func TestNewRepoSink_Fail(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"localhost", "http://", "http://localhost/results", "://bad"} {
		_, err := service.NewRepoSink(u)
		require.Error(t, err, u)
	}
}
