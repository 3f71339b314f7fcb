package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cresus-ui/amazon-KDP-scraper/models"
)

// DualWriter fans each batch out to a CSV file and a JSONL file. The
// CSV side carries the flattened columns; the JSONL side keeps the full
// record shape, reviews included.
type DualWriter struct {
	csv  *CSVWriter
	json *JSONWriter
	mu   sync.Mutex
}

// NewDualWriter opens both output files. If the JSONL file cannot be
// created the already-open CSV file is closed again.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, err
	}
	return &DualWriter{csv: csvWriter, json: jsonWriter}, nil
}

// Write appends books to both outputs. The first failure stops the
// batch, so the CSV side may hold records the JSONL side does not.
func (dw *DualWriter) Write(books []*models.Book) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csv.Write(books); err != nil {
		return fmt.Errorf("csv output: %w", err)
	}
	if err := dw.json.Write(books); err != nil {
		return fmt.Errorf("json output: %w", err)
	}
	return nil
}

// Close closes both writers. A failure on one side does not skip the
// other.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return combineOutputErrors(dw.csv.Close(), dw.json.Close())
}

// Validate checks that both output files carry data.
func (dw *DualWriter) Validate() error {
	return combineOutputErrors(dw.csv.Validate(), dw.json.Validate())
}

func combineOutputErrors(csvErr, jsonErr error) error {
	if csvErr != nil {
		csvErr = fmt.Errorf("csv output: %w", csvErr)
	}
	if jsonErr != nil {
		jsonErr = fmt.Errorf("json output: %w", jsonErr)
	}
	return errors.Join(csvErr, jsonErr)
}
