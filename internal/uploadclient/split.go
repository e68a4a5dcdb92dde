package uploadclient

import (
	"errors"
	"fmt"
	"io"
)

// Range is one chunk of a split file. Index is 1-based.
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// Split cuts size bytes into consecutive ranges of chunkSize bytes. Only the
// final range may be shorter.
func Split(size, chunkSize int64) ([]Range, error) {
	if size <= 0 {
		return nil, errors.New("file is empty")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	count := ChunkCount(size, chunkSize)
	ranges := make([]Range, 0, count)
	for offset, index := int64(0), 1; offset < size; offset, index = offset+chunkSize, index+1 {
		length := min(chunkSize, size-offset)
		ranges = append(ranges, Range{Index: index, Offset: offset, Length: length})
	}
	return ranges, nil
}

// ChunkCount returns how many chunks Split produces.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func readRange(src io.ReaderAt, r Range) ([]byte, error) {
	buf := make([]byte, r.Length)
	n, err := src.ReadAt(buf, r.Offset)
	if int64(n) == r.Length {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read chunk %d: %w", r.Index, err)
}
