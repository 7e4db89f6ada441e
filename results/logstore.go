package results

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	evaluation "github.com/taloric/df-evaluation"
)

const (
	DefaultLineIndex = 1
	DefaultLineSize  = 100
)

// LogWindow is a slice of a case log.
type LogWindow struct {
	UUID      string   `json:"uuid"`
	Logs      []string `json:"logs"`
	LineIndex int      `json:"line_index"`
	LineSize  int      `json:"line_size"`
	LineCount int      `json:"line_count"`
}

// LogStore keeps the log text the executor pushes for each case.
type LogStore struct {
	dataDir string
	mu      sync.Mutex
}

func NewLogStore(dataDir string) *LogStore {
	return &LogStore{dataDir: dataDir}
}

// Append adds data to <dataDir>/tmp/runner-<uuid>.log. Empty data is ignored.
func (s *LogStore) Append(id, data string) error {
	if strings.TrimSpace(id) == "" {
		return evaluation.NewError(evaluation.ErrInvalidParams, "uuid is required", nil, nil)
	}
	if data == "" {
		return nil
	}
	dirs := evaluation.NewCaseDirs(s.dataDir, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dirs.Tmp, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dirs.ResultLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read returns lines [lineIndex, lineIndex+lineSize) counted from 1.
// A lineSize below 1 reads to the end. The pushed log is preferred and the
// runner log of the case tree is the fallback; a case without either
// yields an empty window.
func (s *LogStore) Read(id string, lineIndex, lineSize int) (LogWindow, error) {
	if lineIndex < 1 {
		lineIndex = DefaultLineIndex
	}
	win := LogWindow{UUID: id, Logs: []string{}}

	dirs := evaluation.NewCaseDirs(s.dataDir, id)
	f, err := openFirst(dirs.ResultLog(), dirs.RunnerLog())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return win, nil
		}
		return win, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line < lineIndex {
			continue
		}
		if lineSize >= 1 && line >= lineIndex+lineSize {
			continue
		}
		win.Logs = append(win.Logs, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return win, fmt.Errorf("read log: %w", err)
	}

	win.LineCount = line
	if len(win.Logs) > 0 {
		win.LineIndex = lineIndex
		win.LineSize = len(win.Logs)
	}
	return win, nil
}

func openFirst(paths ...string) (*os.File, error) {
	var lastErr error
	for _, p := range paths {
		f, err := os.Open(p)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, lastErr
}

// ExtractArchive unpacks a results archive pushed by the executor into
// dataDir. Entries escaping dataDir are rejected.
func ExtractArchive(dataDir string, r io.ReaderAt, size int64) ([]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, evaluation.NewError(evaluation.ErrInvalidParams, "invalid zip archive", err, nil)
	}
	root, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, entry := range zr.File {
		target := filepath.Join(root, entry.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return written, evaluation.NewError(evaluation.ErrInvalidParams, "archive entry escapes data dir", nil, map[string]any{
				"entry": entry.Name,
			})
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}
			continue
		}
		if err := extractFile(entry, target); err != nil {
			return written, err
		}
		written = append(written, entry.Name)
	}
	return written, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
