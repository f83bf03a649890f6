package seedr

import "encoding/json"

// List is the typed view over the cache's free-form list_contents response:
// three ordered lists of records with known keys. Anything else in the
// response is ignored.
type List struct {
	Folders  []Folder  `json:"folders"`
	Files    []File    `json:"files"`
	Torrents []Torrent `json:"torrents"`
}

// File is a leaf file sitting in the cache workspace.
type File struct {
	ID       int64  `json:"folder_file_id"`
	FolderID int64  `json:"folder_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
}

// Folder is a directory in the cache workspace.
type Folder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Torrent is an in-progress transfer inside the cache.
type Torrent struct {
	ID       int64       `json:"id"`
	Name     string      `json:"name"`
	Progress json.Number `json:"progress"`
	Size     int64       `json:"size"`
	Stopped  bool        `json:"stopped"`
}

// Object is the File|Folder sum returned by a workspace search.
type Object interface {
	ObjectName() string
}

func (f File) ObjectName() string   { return f.Name }
func (f Folder) ObjectName() string { return f.Name }

// AddResult is the cache's response to add_torrent. The transfer was
// accepted only when code is 200 and result is boolean true; any other
// shape (quota errors come back as strings in result) is a rejection.
type AddResult struct {
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
	Title  string          `json:"title"`
	Error  string          `json:"error"`
}

// Success reports whether the torrent was accepted.
func (r *AddResult) Success() bool {
	return r.Code == 200 && string(r.Result) == "true"
}

// Reason returns the rejection detail for logging.
func (r *AddResult) Reason() string {
	if r.Error != "" {
		return r.Error
	}
	return string(r.Result)
}
