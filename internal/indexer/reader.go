package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"
)

// recordReader yields dataset records until io.EOF.
type recordReader interface {
	Read() (Record, error)
	Close() error
}

func openReader(path string, format FileFormat) (recordReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s file: %w", format, err)
	}
	switch format {
	case FormatParquet:
		return &parquetReader{file: file, reader: parquet.NewReader(file)}, nil
	case FormatJSONL:
		return &jsonlReader{file: file, decoder: json.NewDecoder(file)}, nil
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
}

type parquetReader struct {
	file   *os.File
	reader *parquet.Reader
}

func (r *parquetReader) Read() (Record, error) {
	var record Record
	if err := r.reader.Read(&record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (r *parquetReader) Close() error {
	return errors.Join(r.reader.Close(), r.file.Close())
}

// jsonlReader reads one JSON object per line. A malformed line ends the
// stream, since the decoder cannot resynchronize.
type jsonlReader struct {
	file    *os.File
	decoder *json.Decoder
	line    int
}

func (r *jsonlReader) Read() (Record, error) {
	var record Record
	r.line++
	if err := r.decoder.Decode(&record); err != nil {
		if err == io.EOF {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("record %d: %w", r.line, err)
	}
	return record, nil
}

func (r *jsonlReader) Close() error {
	return r.file.Close()
}

// readBatch reads up to n records. It returns io.EOF only together with an
// empty batch.
func readBatch(r recordReader, n int) ([]Record, error) {
	batch := make([]Record, 0, n)
	for len(batch) < n {
		record, err := r.Read()
		if err == io.EOF {
			if len(batch) == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, record)
	}
	return batch, nil
}
