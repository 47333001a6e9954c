package engine

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"
)

// SaveTable writes the named table to path in the Arrow IPC file format.
// The schema is written first, followed by each batch in order.
func (e *Engine) SaveTable(name, path string) error {
	e.mu.RLock()
	t, ok := e.tables[name]
	var recs []arrow.Record
	if ok {
		recs = make([]arrow.Record, len(t.Records))
		for i, rec := range t.Records {
			rec.Retain()
			recs[i] = rec
		}
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: no table %q", name)
	}
	defer releaseRecords(recs)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	writer, err := ipc.NewFileWriter(file,
		ipc.WithSchema(t.Schema),
		ipc.WithAllocator(e.mem),
	)
	if err != nil {
		return fmt.Errorf("failed to create Arrow file writer: %w", err)
	}
	for i, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return fmt.Errorf("failed to write batch %d of %q: %w", i, name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish Arrow file %q: %w", path, err)
	}
	e.logger.Debug("saved table", zap.String("table", name), zap.String("path", path))
	return nil
}

// LoadTable reads an Arrow IPC file written by SaveTable and registers its
// batches as the table name, replacing any table of that name.
func (e *Engine) LoadTable(name, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader, err := ipc.NewFileReader(file, ipc.WithAllocator(e.mem))
	if err != nil {
		return fmt.Errorf("failed to create Arrow file reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	recs := make([]arrow.Record, 0, reader.NumRecords())
	defer func() { releaseRecords(recs) }()
	for i := 0; i < reader.NumRecords(); i++ {
		rec, err := reader.RecordAt(i)
		if err != nil {
			return fmt.Errorf("failed to read batch %d from %q: %w", i, path, err)
		}
		recs = append(recs, rec)
	}
	return e.RegisterTable(name, reader.Schema(), recs)
}
