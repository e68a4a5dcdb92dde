package chunkstore

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"learnhub/internal/checksum"
)

// Compression selects how the filesystem store encodes chunk payloads. The
// numeric values are written to disk and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression accepts none, lz4 or zstd. An empty name means none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown chunk compression %q", name)
	}
}

// Part file layout: tag(1) | size(8) | storedAt unix nanos(8) | checksum(32) | payload.
const partHeaderSize = 1 + 8 + 8 + checksum.Size

var errIncompressible = errors.New("chunk data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunkstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunkstore: zstd decoder initialization failed: " + err.Error())
	}
}

// encodePart serialises a chunk and its record. Payloads that do not shrink
// are stored uncompressed, so the tag reflects what is actually on disk.
func encodePart(record ChunkRecord, data []byte, compression Compression) ([]byte, error) {
	payload, tag, err := compressChunk(data, compression)
	if err != nil {
		return nil, err
	}
	sum, err := hex.DecodeString(record.Checksum)
	if err != nil || len(sum) != checksum.Size {
		return nil, fmt.Errorf("encode chunk %d: malformed checksum", record.Index)
	}
	out := make([]byte, partHeaderSize+len(payload))
	out[0] = byte(tag)
	binary.BigEndian.PutUint64(out[1:9], uint64(len(data)))
	binary.BigEndian.PutUint64(out[9:17], uint64(record.StoredAt.UnixNano()))
	copy(out[17:partHeaderSize], sum)
	copy(out[partHeaderSize:], payload)
	return out, nil
}

// decodePartHeader parses the record fields without touching the payload.
func decodePartHeader(sessionID string, index int, header []byte) (ChunkRecord, Compression, error) {
	if len(header) < partHeaderSize {
		return ChunkRecord{}, 0, fmt.Errorf("%w: chunk %d of session %s: truncated header", ErrCorruptChunk, index, sessionID)
	}
	record := ChunkRecord{
		SessionID: sessionID,
		Index:     index,
		Size:      int64(binary.BigEndian.Uint64(header[1:9])),
		StoredAt:  time.Unix(0, int64(binary.BigEndian.Uint64(header[9:17]))).UTC(),
		Checksum:  hex.EncodeToString(header[17:partHeaderSize]),
	}
	return record, Compression(header[0]), nil
}

func decodePart(sessionID string, index int, raw []byte) ([]byte, ChunkRecord, error) {
	record, tag, err := decodePartHeader(sessionID, index, raw)
	if err != nil {
		return nil, ChunkRecord{}, err
	}
	data, err := decompressChunk(raw[partHeaderSize:], tag, int(record.Size))
	if err != nil {
		return nil, ChunkRecord{}, fmt.Errorf("%w: chunk %d of session %s: %v", ErrCorruptChunk, index, sessionID, err)
	}
	return data, record, nil
}

func compressChunk(data []byte, compression Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch compression {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported chunk compression %d", compression)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, compression, nil
}

func decompressChunk(payload []byte, tag Compression, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("stored size %d does not match expected %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported chunk compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return out[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
