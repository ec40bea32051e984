// Package stage writes uploaded audio to uniquely named transient files so
// file-based inference engines can read it, and removes them afterwards.
package stage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultEncoding is assumed when a request declares none.
const DefaultEncoding = "audio/webm"

// filePrefix marks files owned by the stager so Sweep never touches
// anything else in a shared directory such as /tmp.
const filePrefix = "gostt-"

// extensions maps declared encodings to file extensions. Unknown encodings
// fall back to .webm.
var extensions = map[string]string{
	"audio/webm":  ".webm",
	"audio/wav":   ".wav",
	"audio/wave":  ".wav",
	"audio/x-wav": ".wav",
	"audio/mp3":   ".mp3",
	"audio/mpeg":  ".mp3",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
	"audio/m4a":   ".m4a",
	"audio/mp4":   ".m4a",
}

// ExtensionFor returns the file extension for a declared encoding. Media
// type parameters such as ";codecs=opus" are ignored.
func ExtensionFor(encoding string) string {
	mt := strings.ToLower(strings.TrimSpace(encoding))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	} else if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	return ".webm"
}

// Error reports a failed staging operation.
type Error struct {
	Op   string // "create", "write" or "remove"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Audio is one staged input. Release it exactly once the inference call
// that consumes it has finished; extra calls are no-ops.
type Audio struct {
	Path     string
	Size     int64
	Encoding string

	stager *Stager
}

// Release removes the staged file. Removing an already removed file is not
// an error.
func (a *Audio) Release() error {
	if a == nil || a.stager == nil {
		return nil
	}
	return a.stager.Release(a)
}

// Stager materializes audio in a directory.
type Stager struct {
	dir string
	log *slog.Logger
}

// New returns a Stager writing to dir, which is created if missing. An
// empty dir means os.TempDir().
func New(dir string, logger *slog.Logger) (*Stager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &Error{Op: "create", Path: dir, Err: err}
	}
	return &Stager{dir: dir, log: logger}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage writes data to a new uniquely named file whose extension follows
// encoding. The bytes are written as-is. A partially written file is
// removed before the error is returned.
func (s *Stager) Stage(data []byte, encoding string) (*Audio, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	path := filepath.Join(s.dir, filePrefix+uuid.NewString()+ExtensionFor(encoding))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, &Error{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &Error{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &Error{Op: "write", Path: path, Err: err}
	}

	s.log.Debug("Staged audio", "path", path, "bytes", len(data), "encoding", encoding)
	return &Audio{Path: path, Size: int64(len(data)), Encoding: encoding, stager: s}, nil
}

// Release removes a staged file. A missing file is not an error.
func (s *Stager) Release(a *Audio) error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("Failed to remove staged audio", "path", a.Path, "error", err)
		return &Error{Op: "remove", Path: a.Path, Err: err}
	}
	s.log.Debug("Released staged audio", "path", a.Path)
	return nil
}

// Sweep removes staged files older than maxAge, left behind by a process
// that exited before releasing them. It returns the number removed.
func (s *Stager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, &Error{Op: "sweep", Path: s.dir, Err: err}
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("Failed to sweep staged audio", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("Swept orphaned staged audio", "dir", s.dir, "removed", removed)
	}
	return removed, nil
}
