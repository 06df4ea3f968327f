package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

var fileNamePattern = regexp.MustCompile(`^game-(\d+)\.pgn$`)

// Writer persists a record, replacing any previous version of it.
type Writer interface {
	Write(ctx context.Context, r Record) error
}

// FileWriter keeps one game-<id>.pgn per record in dir.
type FileWriter struct {
	dir    string
	logger *zap.Logger
}

func NewFileWriter(dir string, logger *zap.Logger) (*FileWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("record dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWriter{dir: dir, logger: logger}, nil
}

func (w *FileWriter) Path(id int64) string {
	return filepath.Join(w.dir, fmt.Sprintf("game-%d.pgn", id))
}

// Write renders r and swaps it into place with a rename, so readers never
// see a half-written file.
func (w *FileWriter) Write(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text, err := Render(r)
	if err != nil {
		return fmt.Errorf("render record %d: %w", r.ID, err)
	}

	tmp, err := os.CreateTemp(w.dir, ".game-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpName, w.Path(r.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace record: %w", err)
	}

	w.logger.Debug("record_written",
		zap.Int64("record_id", r.ID),
		zap.Int("plies", len(r.Moves)),
		zap.String("result", r.Result),
	)
	return nil
}

// HighestID returns the largest record id already present in dir, or 0.
func HighestID(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read record dir: %w", err)
	}
	var highest int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}
