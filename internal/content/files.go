package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxFileNameLen keeps generated temp file names filesystem safe.
const maxFileNameLen = 80

// ErrFileTooLarge marks a file over the configured byte cap. The pipeline
// skips such entities instead of failing the run.
type ErrFileTooLarge struct {
	Name string
	Size int64
	Max  int64
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("file %q is %d bytes, over the %d byte cap", e.Name, e.Size, e.Max)
}

// FileManager stages file payloads on local disk during processing.
type FileManager struct {
	Dir      string
	MaxBytes int64
}

// NewFileManager ensures the staging directory exists.
func NewFileManager(dir string, maxBytes int64) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &FileManager{Dir: dir, MaxBytes: maxBytes}, nil
}

// SafeName derives a filesystem-safe name from an entity id and original
// file name, capped at maxFileNameLen with the extension preserved.
func SafeName(entityID, original string) string {
	ext := filepath.Ext(original)
	if len(ext) > 10 {
		ext = ""
	}
	base := sanitize(entityID) + "_" + sanitize(strings.TrimSuffix(filepath.Base(original), ext))
	budget := maxFileNameLen - len(ext)
	if len(base) > budget {
		// Keep a stable prefix and disambiguate with a content-independent
		// hash of the full name.
		sum := sha256.Sum256([]byte(base))
		suffix := hex.EncodeToString(sum[:4])
		base = base[:budget-len(suffix)-1] + "_" + suffix
	}
	return base + ext
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Stage writes a payload to the staging directory, enforcing the byte cap.
func (fm *FileManager) Stage(entityID, original string, r io.Reader) (string, int64, error) {
	name := SafeName(entityID, original)
	path := filepath.Join(fm.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	limit := fm.MaxBytes
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	if n > limit {
		os.Remove(path)
		return "", n, &ErrFileTooLarge{Name: original, Size: n, Max: limit}
	}
	return path, n, nil
}

// Cleanup removes a staged file, logging rather than failing on error.
func (fm *FileManager) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("cleanup staged file")
	}
}
