package singer

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// WriterConfig controls where the message stream goes.
type WriterConfig struct {
	// Path receives the stream; empty means stdout.
	Path string
	// Compression names the algorithm for file output. Ignored for
	// stdout, which targets always read uncompressed.
	Compression string
	// BufferSize for the underlying buffered writer.
	BufferSize int
}

// Writer serializes Singer messages as line-delimited JSON. Writes are
// mutex-serialized so concurrent entity syncs never interleave partial
// lines, and every STATE message is flushed through to the destination
// so a consumer that stops the tap keeps a usable checkpoint.
type Writer struct {
	mu   sync.Mutex
	buf  *bufio.Writer
	comp io.WriteCloser
	file *os.File

	messages int64
}

// NewWriter opens the configured destination.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256 * 1024
	}

	w := &Writer{}
	var sink io.Writer = os.Stdout

	if cfg.Path != "" {
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "opening output file")
		}
		w.file = f

		algo, err := compression.ParseAlgorithm(cfg.Compression)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		cw, err := compression.NewWriter(f, algo)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		w.comp = cw
		sink = cw
	}

	w.buf = bufio.NewWriterSize(sink, cfg.BufferSize)
	return w, nil
}

// Write emits one message as a JSON line.
func (w *Writer) Write(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := json.MarshalToWriter(w.buf, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "encoding message")
	}
	w.messages++

	if msg.messageType() == TypeState {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes buffered messages to the destination.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "flushing message stream")
	}
	return nil
}

// Messages reports how many messages have been written.
func (w *Writer) Messages() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.messages
}

// Close flushes and releases the destination. The writer must not be
// used afterward.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "flushing message stream")
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeState, "closing compressor")
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeState, "closing output file")
		}
	}
	return nil
}
