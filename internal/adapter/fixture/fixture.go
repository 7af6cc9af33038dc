// Package fixture reads and writes crime records as a JSON array, the format
// shared by test fixtures, genmock output and file rebuilds.
package fixture

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Read decodes a JSON array of crime records.
func Read(r io.Reader) ([]domain.CrimeRecord, error) {
	var records []domain.CrimeRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode crime records: %w", err)
	}
	return records, nil
}

// Load reads the records in the file at path.
func Load(path string) ([]domain.CrimeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Write stores records as indented JSON, creating parent directories.
func Write(path string, records []domain.CrimeRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

// Events converts the valid records into an EventSource. Records failing
// validation are returned separately with their errors.
func Events(records []domain.CrimeRecord) (domain.SliceSource, []error) {
	src := make(domain.SliceSource, 0, len(records))
	var invalid []error
	for _, rec := range records {
		e, err := rec.Event()
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		src = append(src, e)
	}
	return src, invalid
}
