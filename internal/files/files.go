// Package files exposes read-only access to the working tree a
// session was launched in. Every lookup is confined to the session's
// working directory.
package files

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxFileSize = 1024 * 1024 // 1MB

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var langExts = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rs":    "rust",
	".rb":    "ruby",
	".java":  "java",
	".c":     "c",
	".cpp":   "cpp",
	".h":     "c",
	".css":   "css",
	".html":  "html",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".md":    "markdown",
	".sh":    "bash",
	".bash":  "bash",
	".zsh":   "bash",
	".sql":   "sql",
	".xml":   "xml",
	".swift": "swift",
	".kt":    "kotlin",
	".mod":   "go",
	".sum":   "text",
}

type Browser struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{logger: logger}
}

type Entry struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "dir" or "file"
	ModTime string `json:"modTime"`
}

type Listing struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// List enumerates the directory at rel inside root. Dotfiles are
// skipped unless hidden is set.
func (b *Browser) List(root, rel string, hidden bool) (*Listing, error) {
	dir, err := b.resolve(root, rel)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	result := &Listing{
		Path:    rel,
		Entries: make([]Entry, 0, len(entries)),
	}
	for _, e := range entries {
		if !hidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		entryType := "file"
		if e.IsDir() {
			entryType = "dir"
		}
		info, _ := e.Info()
		modTime := time.Time{}
		if info != nil {
			modTime = info.ModTime()
		}
		result.Entries = append(result.Entries, Entry{
			Name:    e.Name(),
			Type:    entryType,
			ModTime: modTime.UTC().Format(time.RFC3339),
		})
	}
	return result, nil
}

type FileView struct {
	Path     string `json:"path"`
	Type     string `json:"type"` // "text" or "image"
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// View reads the file at rel inside root. Images are described, not
// inlined; the caller fills URL with the raw route for them.
func (b *Browser) View(root, rel string) (*FileView, error) {
	path, err := b.resolve(root, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}

	ext := strings.ToLower(filepath.Ext(path))

	if mime, ok := imageExts[ext]; ok {
		return &FileView{
			Path: rel,
			Type: "image",
			Mime: mime,
			Size: info.Size(),
		}, nil
	}

	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	if isBinary(content) {
		return nil, fmt.Errorf("unsupported file type: binary")
	}

	return &FileView{
		Path:     rel,
		Type:     "text",
		Content:  string(content),
		Language: langExts[ext],
		Size:     info.Size(),
	}, nil
}

func (b *Browser) ServeRaw(w http.ResponseWriter, r *http.Request, root, rel string) {
	path, err := b.resolve(root, rel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, path)
}

// resolve joins rel onto root and refuses anything that escapes the
// root, symlinks included.
func (b *Browser) resolve(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	rootResolved, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}

	path := filepath.Join(rootResolved, filepath.FromSlash(rel))
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// missing leaf: resolve the parent so Stat can report not found
		parent, perr := filepath.EvalSymlinks(filepath.Dir(path))
		if perr != nil {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		resolved = filepath.Join(parent, filepath.Base(path))
	}

	// separator suffix so /work-evil cannot match /work
	if resolved != rootResolved &&
		!strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path escapes the working directory")
	}
	return resolved, nil
}

func isBinary(data []byte) bool {
	// check first 512 bytes for null bytes
	check := data
	if len(check) > 512 {
		check = check[:512]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}
