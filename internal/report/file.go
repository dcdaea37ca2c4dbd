package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	fileTimeLayout = "20060102_150405"
	maxSuffix      = 1000
)

// FileSink writes each report as an indented JSON file named
// <task_type>_<YYYYmmdd_HHMMSS>.json under Dir. Reports recorded within the
// same second get a _<n> suffix; an existing file is never overwritten.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

// NewFileSink creates a FileSink rooted at dir.
func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	return &FileSink{dir: dir, logger: logger}
}

func (s *FileSink) Name() string { return "file" }

// Record writes the report and returns the file path.
func (s *FileSink) Record(_ context.Context, rep *Report) (string, error) {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return "", fmt.Errorf("creating report directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	base := fmt.Sprintf("%s_%s", rep.TaskType, rep.Timestamp.UTC().Format(fileTimeLayout))
	for n := 0; n < maxSuffix; n++ {
		name := base + ".json"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.json", base, n)
		}
		path := filepath.Join(s.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating report file: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return "", fmt.Errorf("writing report %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("closing report %s: %w", path, err)
		}
		s.logger.Debug("report written", slog.String("path", path))
		return path, nil
	}
	return "", fmt.Errorf("no free report name for %s after %d attempts", base, maxSuffix)
}
