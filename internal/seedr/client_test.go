package seedr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestListContentsRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "list_contents", r.PostFormValue("func"))
		require.Empty(t, r.PostFormValue("content_id"))
		require.Equal(t, "tok", r.URL.Query().Get("access_token"))

		fmt.Fprint(w, `{
			"folders": [{"id": 1, "name": "Show.S01", "size": 100}],
			"files": [{"folder_file_id": 2, "name": "movie.mkv", "size": 50}],
			"torrents": [{"id": 3, "name": "pending", "progress": "42.5"}]
		}`)
	}))
	defer srv.Close()

	c := NewClient(Credentials{AccessToken: "tok"}, nil, zerolog.Nop(), WithBaseURL(srv.URL))
	list, err := c.ListContents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list.Folders, 1)
	require.Len(t, list.Files, 1)
	require.Len(t, list.Torrents, 1)
	require.Equal(t, int64(2), list.Files[0].ID)
	require.Equal(t, "42.5", list.Torrents[0].Progress.String())
}

func TestListContentsFolder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "folder", r.PostFormValue("content_type"))
		require.Equal(t, "7", r.PostFormValue("content_id"))
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(Credentials{AccessToken: "tok"}, nil, zerolog.Nop(), WithBaseURL(srv.URL))
	_, err := c.ListContents(context.Background(), 7)
	require.NoError(t, err)
}

func TestAddTorrentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "add_torrent", r.PostFormValue("func"))
		require.Equal(t, "magnet:?xt=urn:btih:abc", r.PostFormValue("torrent_magnet"))
		fmt.Fprint(w, `{"code": 200, "result": true, "title": "Show.S01"}`)
	}))
	defer srv.Close()

	c := NewClient(Credentials{AccessToken: "tok"}, nil, zerolog.Nop(), WithBaseURL(srv.URL))
	result, err := c.AddTorrent(context.Background(), "magnet:?xt=urn:btih:abc")
	require.NoError(t, err)
	require.True(t, result.Success())
	require.Equal(t, "Show.S01", result.Title)
}

func TestAddTorrentQuotaRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code": 200, "result": "not_enough_space_added_to_wishlist"}`)
	}))
	defer srv.Close()

	c := NewClient(Credentials{AccessToken: "tok"}, nil, zerolog.Nop(), WithBaseURL(srv.URL))
	result, err := c.AddTorrent(context.Background(), "magnet:?xt=urn:btih:abc")
	require.NoError(t, err)
	require.False(t, result.Success())
	require.Contains(t, result.Reason(), "not_enough_space")
}

func TestExpiredTokenRefreshesAndRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth_test/resource.php":
			calls++
			if r.URL.Query().Get("access_token") == "stale" {
				fmt.Fprint(w, `{"error": "expired_token"}`)
				return
			}
			require.Equal(t, "fresh", r.URL.Query().Get("access_token"))
			fmt.Fprint(w, `{"folders": [], "files": [], "torrents": []}`)
		case "/oauth_test/token.php":
			require.NoError(t, r.ParseForm())
			require.Equal(t, "refresh_token", r.PostFormValue("grant_type"))
			require.Equal(t, "refresh-blob", r.PostFormValue("refresh_token"))
			fmt.Fprint(w, `{"access_token": "fresh"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	var saved string
	onRefresh := func(ctx context.Context, token string) error {
		saved = token
		return nil
	}

	c := NewClient(Credentials{AccessToken: "stale", RefreshToken: "refresh-blob"},
		onRefresh, zerolog.Nop(), WithBaseURL(srv.URL))

	_, err := c.ListContents(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	// The refreshed token is persisted before the call returns, and keeps
	// the original refresh token.
	var creds Credentials
	require.NoError(t, json.Unmarshal([]byte(saved), &creds))
	require.Equal(t, "fresh", creds.AccessToken)
	require.Equal(t, "refresh-blob", creds.RefreshToken)
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth_test/token.php", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.PostFormValue("grant_type"))
		require.Equal(t, "seedr_xbmc", r.PostFormValue("client_id"))
		require.Equal(t, "user@example.com", r.PostFormValue("username"))
		fmt.Fprint(w, `{"access_token": "at", "refresh_token": "rt"}`)
	}))
	defer srv.Close()

	creds, err := Login(context.Background(), "user@example.com", "hunter2", WithBaseURL(srv.URL))
	require.NoError(t, err)
	require.Equal(t, "at", creds.AccessToken)
	require.Equal(t, "rt", creds.RefreshToken)
}

func TestPurgeDeletesEverything(t *testing.T) {
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch fn := r.PostFormValue("func"); fn {
		case "list_contents":
			fmt.Fprint(w, `{
				"folders": [{"id": 1, "name": "a"}],
				"files": [{"folder_file_id": 2, "name": "b"}],
				"torrents": [{"id": 3, "name": "c"}]
			}`)
		case "delete_folder":
			deleted = append(deleted, "folder:"+r.PostFormValue("folder_id"))
			fmt.Fprint(w, `{"result": true}`)
		case "delete_file":
			deleted = append(deleted, "file:"+r.PostFormValue("folder_file_id"))
			fmt.Fprint(w, `{"result": true}`)
		case "delete_torrent":
			deleted = append(deleted, "torrent:"+r.PostFormValue("torrent_id"))
			fmt.Fprint(w, `{"result": true}`)
		default:
			t.Fatalf("unexpected func %s", fn)
		}
	}))
	defer srv.Close()

	c := NewClient(Credentials{AccessToken: "tok"}, nil, zerolog.Nop(), WithBaseURL(srv.URL))
	require.NoError(t, c.Purge(context.Background()))
	require.Equal(t, []string{"folder:1", "file:2", "torrent:3"}, deleted)
}

func TestFetchFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "fetch_file", r.PostFormValue("func"))
		require.Equal(t, "42", r.PostFormValue("folder_file_id"))
		fmt.Fprint(w, `{"url": "https://cdn.example/file42"}`)
	}))
	defer srv.Close()

	c := NewClient(Credentials{AccessToken: "tok"}, nil, zerolog.Nop(), WithBaseURL(srv.URL))
	url, err := c.FetchFile(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/file42", url)
}

func TestEnsureCredentialsUsesStoredToken(t *testing.T) {
	stored := Credentials{AccessToken: "a", RefreshToken: "r"}.Encode()

	creds, err := EnsureCredentials(context.Background(), stored, "user@example.com", "hunter2", nil)
	require.NoError(t, err)
	require.Equal(t, "a", creds.AccessToken)
}

func TestEnsureCredentialsLogsInWhenNoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth_test/token.php", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.PostFormValue("grant_type"))
		require.Equal(t, "user@example.com", r.PostFormValue("username"))
		require.Equal(t, "hunter2", r.PostFormValue("password"))
		fmt.Fprint(w, `{"access_token": "at", "refresh_token": "rt"}`)
	}))
	defer srv.Close()

	var saved string
	persist := func(ctx context.Context, token string) error {
		saved = token
		return nil
	}

	creds, err := EnsureCredentials(context.Background(), "", "user@example.com", "hunter2",
		persist, WithBaseURL(srv.URL))
	require.NoError(t, err)
	require.Equal(t, "at", creds.AccessToken)

	// The fresh token is persisted before first use.
	parsed, err := ParseCredentials(saved)
	require.NoError(t, err)
	require.Equal(t, creds, parsed)
}

func TestEnsureCredentialsRequiresTokenOrPassword(t *testing.T) {
	_, err := EnsureCredentials(context.Background(), "", "user@example.com", "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "neither")
}

func TestEnsureCredentialsPersistFailureFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "at", "refresh_token": "rt"}`)
	}))
	defer srv.Close()

	persist := func(ctx context.Context, token string) error {
		return fmt.Errorf("store unavailable")
	}

	_, err := EnsureCredentials(context.Background(), "", "user@example.com", "hunter2",
		persist, WithBaseURL(srv.URL))
	require.Error(t, err)
	require.Contains(t, err.Error(), "persisting")
}

func TestCredentialsRoundTrip(t *testing.T) {
	creds := Credentials{AccessToken: "a", RefreshToken: "r"}
	parsed, err := ParseCredentials(creds.Encode())
	require.NoError(t, err)
	require.Equal(t, creds, parsed)

	_, err = ParseCredentials("not json")
	require.Error(t, err)
}
