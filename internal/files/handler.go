// Package files moves completed downloads from the torrent cache into the
// object store: filter by extension, fetch to local scratch, upload, clean
// up.
package files

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rssbox/rssbox/internal/metrics"
	"github.com/rssbox/rssbox/internal/seedr"
	"github.com/rssbox/rssbox/internal/store"
)

// Cache is the slice of the torrent-cache client the handler needs.
type Cache interface {
	ListContents(ctx context.Context, folderID int64) (*seedr.List, error)
	FetchFile(ctx context.Context, fileID int64) (string, error)
}

// ObjectStore receives file bodies and metadata rows.
type ObjectStore interface {
	PutFile(ctx context.Context, drive, name, path string) error
	Insert(ctx context.Context, base string, item interface{}) error
}

// Handler walks a cache File or Folder and uploads every allowed leaf file.
type Handler struct {
	objects    ObjectStore
	scratchDir string
	extensions map[string]bool
	http       *http.Client
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewHandler builds a handler. extensions are lowercase without leading dot.
func NewHandler(objects ObjectStore, scratchDir string, extensions []string, m *metrics.Metrics, log zerolog.Logger) *Handler {
	allow := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allow[ext] = true
	}
	return &Handler{
		objects:    objects,
		scratchDir: scratchDir,
		extensions: allow,
		http:       &http.Client{Timeout: 30 * time.Minute},
		metrics:    m,
		log:        log,
	}
}

// Upload processes a matched File or Folder and returns the number of files
// uploaded. Zero with a nil error means everything was filtered out.
func (h *Handler) Upload(ctx context.Context, cache Cache, obj seedr.Object) (int, error) {
	switch o := obj.(type) {
	case seedr.File:
		return h.processFile(ctx, cache, o)
	case seedr.Folder:
		return h.processFolder(ctx, cache, o)
	default:
		return 0, fmt.Errorf("unknown cache object type %T", obj)
	}
}

func (h *Handler) processFolder(ctx context.Context, cache Cache, folder seedr.Folder) (int, error) {
	list, err := cache.ListContents(ctx, folder.ID)
	if err != nil {
		return 0, fmt.Errorf("listing folder %q: %w", folder.Name, err)
	}

	uploaded := 0
	for _, file := range list.Files {
		n, err := h.processFile(ctx, cache, file)
		if err != nil {
			return uploaded, err
		}
		uploaded += n
	}
	for _, sub := range list.Folders {
		n, err := h.processFolder(ctx, cache, sub)
		if err != nil {
			return uploaded, err
		}
		uploaded += n
	}
	return uploaded, nil
}

// processFile filters first, then downloads: rejected extensions never cost
// a fetch.
func (h *Handler) processFile(ctx context.Context, cache Cache, file seedr.File) (int, error) {
	if !h.Allowed(file.Name) {
		h.log.Debug().Str("file", file.Name).Msg("extension not in allow-list, skipping")
		return 0, nil
	}

	path, err := h.downloadFile(ctx, cache, file)
	if err != nil {
		return 0, err
	}
	if err := h.uploadFile(ctx, file, path); err != nil {
		return 0, err
	}
	return 1, nil
}

// Allowed reports whether the file's extension is in the allow-list.
func (h *Handler) Allowed(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return h.extensions[ext]
}

// downloadFile fetches a cache file into scratch space. The fetch is skipped
// when the target already exists at the expected size, which makes a
// re-upload after a crash resume instead of re-downloading.
func (h *Handler) downloadFile(ctx context.Context, cache Cache, file seedr.File) (string, error) {
	path := h.filePath(file)
	if info, err := os.Stat(path); err == nil && info.Size() == file.Size {
		h.log.Debug().Str("file", file.Name).Msg("scratch copy already complete, skipping fetch")
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	url, err := cache.FetchFile(ctx, file.ID)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %q: %w", file.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %q: unexpected status %d", file.Name, resp.StatusCode)
	}

	h.log.Info().
		Str("file", file.Name).
		Str("size", humanize.Bytes(uint64(file.Size))).
		Msg("downloading to scratch")

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("downloading %q: %w", file.Name, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// uploadFile puts the scratch copy into the object store under its content
// key, records the metadata row, and removes the per-file scratch directory.
func (h *Handler) uploadFile(ctx context.Context, file seedr.File, path string) error {
	drive := MD5Hash(file.Name)

	h.log.Info().
		Str("file", file.Name).
		Str("size", humanize.Bytes(uint64(file.Size))).
		Str("drive", drive).
		Msg("uploading to object store")

	if err := h.objects.PutFile(ctx, drive, file.Name, path); err != nil {
		return fmt.Errorf("uploading %q: %w", file.Name, err)
	}

	record := store.FileRecord{
		Key:            uuid.New().String(),
		Name:           file.Name,
		Size:           file.Size,
		Hash:           drive,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		DownloadsCount: 0,
	}
	if err := h.objects.Insert(ctx, "files", record); err != nil {
		return fmt.Errorf("recording %q: %w", file.Name, err)
	}

	h.metrics.UploadBytes.Add(float64(file.Size))

	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		h.log.Warn().Err(err).Str("file", file.Name).Msg("failed to remove scratch dir")
	}

	h.log.Info().
		Str("file", file.Name).
		Str("drive", drive).
		Msg("upload complete")
	return nil
}

// filePath places each file in its own directory keyed by cache file id, so
// removing one upload's scratch never touches another's.
func (h *Handler) filePath(file seedr.File) string {
	return filepath.Join(h.scratchDir, strconv.FormatInt(file.ID, 10), file.Name)
}

// MD5Hash returns the hex MD5 of a name. It keys the per-file drive in the
// object store.
func MD5Hash(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}
