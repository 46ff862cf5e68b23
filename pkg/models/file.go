package models

import (
	"path"
	"strings"
	"time"
)

// FileAsset is a row of the files table. Assets only exist locally once
// both the blob upload and the metadata insert succeeded.
type FileAsset struct {
	ID               string    `json:"id"`
	UploaderID       string    `json:"uploader_id"`
	ChannelID        string    `json:"channel_id,omitempty"`
	DisplayName      string    `json:"display_name"`
	OriginalFilename string    `json:"original_filename"`
	Description      string    `json:"description,omitempty"`
	MimeType         string    `json:"file_type"`
	ByteSize         int64     `json:"file_size"`
	StoragePath      string    `json:"storage_path"`
	DownloadCount    int       `json:"download_count,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	Reactions    []Reaction `json:"-"`
	CommentCount int        `json:"-"`
}

// Clone copies f including its reaction groups.
func (f FileAsset) Clone() FileAsset {
	out := f
	out.Reactions = CloneReactions(f.Reactions)
	return out
}

// Kind classifies the asset for display.
func (f FileAsset) Kind() string {
	mt := strings.ToLower(f.MimeType)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.OriginalFilename), "."))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case mt == "application/pdf" || ext == "pdf":
		return "pdf"
	case strings.Contains(mt, "zip") || strings.Contains(mt, "compressed") || ext == "zip" || ext == "rar" || ext == "7z":
		return "archive"
	case strings.HasPrefix(mt, "text/") || isCodeExt(ext):
		return "code"
	case strings.Contains(mt, "word") || strings.Contains(mt, "document") || ext == "doc" || ext == "docx":
		return "document"
	default:
		return "file"
	}
}

func isCodeExt(ext string) bool {
	switch ext {
	case "go", "js", "ts", "tsx", "py", "rs", "java", "c", "cpp", "h", "json", "yaml", "yml", "md", "sh":
		return true
	}
	return false
}

// Comment is a row of file_comments.
type Comment struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
