package transport

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
)

// maxLineSize bounds one envelope line when reading a log back.
const maxLineSize = 96 << 20

// fileSink appends one JSON envelope per line.
type fileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func newFileSink(cfg Config) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errors.New().WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}
	return &fileSink{path: cfg.Path}, nil
}

func (s *fileSink) send(b *batch.Batch) error {
	line, err := b.MarshalEnvelope()
	if err != nil {
		return sendError(ErrProtocol, "encode_envelope", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFilePerm)
		if err != nil {
			return sendError(ErrConnectionFailed, "open_file", err)
		}
		s.file = f
	}

	if _, err := s.file.Write(line); err != nil {
		// Reopen on the next send.
		s.file.Close()
		s.file = nil
		return sendError(ErrConnectionFailed, "write_file", err)
	}
	return nil
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadLog decodes the envelopes written by a file transport, in file order.
func ReadLog(r io.Reader) ([]*batch.Batch, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var batches []*batch.Batch
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		b, err := batch.DecodeEnvelope(scanner.Bytes())
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
	}
	if err := scanner.Err(); err != nil {
		return batches, errors.New().Wrap(ErrProtocol, err)
	}
	return batches, nil
}

// ReadLogFile is ReadLog on the file at path.
func ReadLogFile(path string) ([]*batch.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New().Wrap(ErrConnectionFailed, err)
	}
	defer f.Close()

	return ReadLog(f)
}
