package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorrupt is returned by Replay when a record in the middle of the file fails its checksum.
var ErrCorrupt = errors.New("wal: corrupt record")

// record header: type (1) + length (4) + crc32 (4)
const headerSize = 9

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// RecordType tags the payload of a record. The WAL does not interpret it.
type RecordType uint8

// Record is a single framed journal entry.
type Record struct {
	Type RecordType
	Data []byte
}

// WAL is an append-only journal of checksummed records.
// Every Append is flushed and fsynced before it returns.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	size     int64
}

// Open opens or creates the journal file name inside dir.
func Open(dir, name string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, name)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		size:     info.Size(),
	}, nil
}

// Append writes the records as one batch and syncs the file.
func (w *WAL) Append(recs ...Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("WAL is closed")
	}
	for _, rec := range recs {
		n, err := writeRecord(w.writer, rec)
		if err != nil {
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
		w.size += n
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Replay calls fn for every record in file order. A torn record at the tail, left by a
// crash in the middle of a write, is cut off and replay ends there.
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		rec, n, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, ErrCorrupt) && offset+n >= w.size) {
			slog.Warn("truncating torn WAL tail", "path", w.filePath, "offset", offset, "error", err)
			return w.truncate(offset)
		}
		if err != nil {
			return fmt.Errorf("failed to read WAL record at offset %d: %w", offset, err)
		}
		offset += n

		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// Rewrite atomically replaces the journal content with recs.
func (w *WAL) Rewrite(recs []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL rewrite file: %w", err)
	}

	bw := bufio.NewWriter(tmp)
	var size int64
	for _, rec := range recs {
		n, err := writeRecord(bw, rec)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
		size += n
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush WAL rewrite: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync WAL rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close WAL rewrite: %w", err)
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			slog.Warn("failed to close WAL before rewrite", "error", err)
		}
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("failed to replace WAL: %w", err)
	}
	if err := syncDir(filepath.Dir(w.filePath)); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = size
	return nil
}

// Size returns the journal size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func (w *WAL) truncate(offset int64) error {
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.size = offset
	return nil
}

func writeRecord(wr io.Writer, rec Record) (int64, error) {
	if len(rec.Data) > math.MaxUint32 {
		return 0, fmt.Errorf("record too large: %d", len(rec.Data))
	}

	var hdr [headerSize]byte
	hdr[0] = byte(rec.Type)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint32(hdr[5:9], checksum(rec))

	if _, err := wr.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := wr.Write(rec.Data); err != nil {
		return 0, err
	}
	return int64(headerSize + len(rec.Data)), nil
}

func readRecord(r *bufio.Reader) (Record, int64, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, 0, io.EOF
		}
		return Record{}, int64(n), io.ErrUnexpectedEOF
	}

	rec := Record{Type: RecordType(hdr[0])}
	length := binary.LittleEndian.Uint32(hdr[1:5])
	sum := binary.LittleEndian.Uint32(hdr[5:9])

	rec.Data = make([]byte, length)
	m, err := io.ReadFull(r, rec.Data)
	if err != nil {
		return Record{}, int64(headerSize + m), io.ErrUnexpectedEOF
	}
	if checksum(rec) != sum {
		return Record{}, int64(headerSize + m), ErrCorrupt
	}
	return rec, int64(headerSize + m), nil
}

func checksum(rec Record) uint32 {
	crc := crc32.Update(0, crcTable, []byte{byte(rec.Type)})
	return crc32.Update(crc, crcTable, rec.Data)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open WAL dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL dir: %w", err)
	}
	return nil
}
