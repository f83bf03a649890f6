package deta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rssbox/rssbox/internal/store"
)

func TestNewParsesProjectID(t *testing.T) {
	c, err := New("proj123_secretpart")
	require.NoError(t, err)
	require.Equal(t, "proj123", c.projectID)

	_, err = New("noseparator")
	require.Error(t, err)
	_, err = New("_keyonly")
	require.Error(t, err)
}

func TestPutFileStreamsBody(t *testing.T) {
	content := []byte("file body")
	var gotPath, gotKey, gotName string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotName = r.URL.Query().Get("name")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New("proj123_secret", WithHosts(srv.URL, srv.URL))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "show.mkv")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	require.NoError(t, c.PutFile(context.Background(), "abc123", "show.mkv", path))
	require.Equal(t, "/proj123/abc123/files", gotPath)
	require.Equal(t, "proj123_secret", gotKey)
	require.Equal(t, "show.mkv", gotName)
	require.Equal(t, content, gotBody)
}

func TestPutFileErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte("storage quota exceeded"))
	}))
	defer srv.Close()

	c, err := New("proj123_secret", WithHosts(srv.URL, srv.URL))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err = c.PutFile(context.Background(), "d", "f", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota")
}

func TestInsertWrapsItem(t *testing.T) {
	var gotPath, gotMethod string
	var payload map[string][]store.FileRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer srv.Close()

	c, err := New("proj123_secret", WithHosts(srv.URL, srv.URL))
	require.NoError(t, err)

	rec := store.FileRecord{Key: "k1", Name: "show.mkv", Size: 9, Hash: "h"}
	require.NoError(t, c.Insert(context.Background(), "files", rec))

	require.Equal(t, "/proj123/files/items", gotPath)
	require.Equal(t, http.MethodPut, gotMethod)
	require.Len(t, payload["items"], 1)
	require.Equal(t, rec, payload["items"][0])
}
