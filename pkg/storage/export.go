package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/exploopio/reconx/pkg/compress"
	"github.com/exploopio/reconx/pkg/errors"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV:
		return Format(s), nil
	default:
		return "", errors.E(errors.KindInvalidInput, "storage.ParseFormat",
			fmt.Sprintf("unsupported export format %q (want json or csv)", s), errors.ErrUnsupportedFormat)
	}
}

// jsonRecord is the JSON export shape: evidence and meta are nested JSON
// rather than the stored text.
type jsonRecord struct {
	ID         int64           `json:"id"`
	Target     string          `json:"target"`
	Module     string          `json:"module"`
	Type       string          `json:"type"`
	Confidence float64         `json:"confidence"`
	Priority   int64           `json:"priority"`
	Evidence   json.RawMessage `json:"evidence"`
	Meta       json.RawMessage `json:"meta"`
	ScannedAt  string          `json:"scanned_at"`
}

// Export writes every stored finding to w and returns how many were written.
func (s *Store) Export(ctx context.Context, w io.Writer, format Format) (int, error) {
	const op = "storage.Export"

	if _, err := ParseFormat(string(format)); err != nil {
		return 0, err
	}

	records, err := s.Records(ctx)
	if err != nil {
		return 0, err
	}

	switch format {
	case FormatJSON:
		err = writeJSON(w, records)
	case FormatCSV:
		err = writeCSV(w, records)
	}
	if err != nil {
		return 0, errors.E(errors.KindInternal, op, "write export", err)
	}
	return len(records), nil
}

// ExportFile writes the export to path, compressed with algorithm. The file
// is written under a temporary name and renamed into place on success.
func (s *Store) ExportFile(ctx context.Context, path string, format Format, algorithm compress.Algorithm) (int, error) {
	const op = "storage.ExportFile"

	if _, err := ParseFormat(string(format)); err != nil {
		return 0, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, errors.E(errors.KindInternal, op, "create output directory", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, errors.E(errors.KindInternal, op, "create output file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	cw, err := compress.NewWriter(bw, algorithm, compress.LevelDefault)
	if err != nil {
		tmp.Close()
		return 0, errors.E(errors.KindInvalidInput, op, err)
	}

	n, err := s.Export(ctx, cw, format)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := cw.Close(); err != nil {
		tmp.Close()
		return 0, errors.E(errors.KindInternal, op, "flush compressor", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return 0, errors.E(errors.KindInternal, op, "flush output", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.E(errors.KindInternal, op, "close output", err)
	}
	if err := os.Chmod(tmpName, exportFileMode); err != nil {
		return 0, errors.E(errors.KindInternal, op, "set output permissions", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, errors.E(errors.KindInternal, op, "move output into place", err)
	}

	s.logger.Info("exported %d findings to %s", n, path)
	return n, nil
}

const exportFileMode = 0644

func writeJSON(w io.Writer, records []Record) error {
	out := make([]jsonRecord, 0, len(records))
	for _, r := range records {
		out = append(out, jsonRecord{
			ID:         r.ID,
			Target:     r.Target,
			Module:     r.Module,
			Type:       r.Type,
			Confidence: r.Confidence,
			Priority:   r.Priority,
			Evidence:   nestedJSON(r.Evidence),
			Meta:       nestedJSON(r.Meta),
			ScannedAt:  r.ScannedAt,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// nestedJSON returns stored text as raw JSON, or as a JSON string when the
// text is not valid JSON.
func nestedJSON(text string) json.RawMessage {
	if text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(text)
	return b
}

func writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.Target,
			r.Module,
			r.Type,
			strconv.FormatFloat(r.Confidence, 'f', -1, 64),
			strconv.FormatInt(r.Priority, 10),
			r.Evidence,
			r.Meta,
			r.ScannedAt,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
