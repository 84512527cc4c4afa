package export

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// WriteFile writes r to path as an Arrow IPC file, replacing any existing file.
func WriteFile(path string, r Results) error {
	mem := memory.NewGoAllocator()
	rec := Record(mem, r)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create arrow file: %w", err)
	}

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to close arrow writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close arrow file: %w", err)
	}
	return nil
}
