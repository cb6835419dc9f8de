package inspector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// GGUF container format: 4-byte magic, uint32 version, uint64 tensor
// count, uint64 metadata kv count, then length-prefixed key/value pairs.
// All integers little-endian.
const ggufMagic = "GGUF"

// Known versions. v1 used 32-bit counts and is long dead; the loaders we
// front accept v2 and v3.
const (
	ggufVersionMin = 2
	ggufVersionMax = 3
)

// gguf metadata value type tags.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

// GGUFMetadata is the subset of header fields surfaced to the admin UI.
type GGUFMetadata struct {
	Architecture    string `json:"architecture"`
	ContextLength   uint64 `json:"context_length"`
	EmbeddingLength uint64 `json:"embedding_length"`
	BlockCount      uint64 `json:"block_count"`
	HeadsQ          uint64 `json:"heads_q"`
	HeadsKV         uint64 `json:"heads_kv"`
	VocabSize       uint64 `json:"vocab_size"`
	FileType        uint64 `json:"file_type"`
}

// maxMetadataKeys bounds header parsing so a corrupt count cannot make
// us loop over garbage.
const maxMetadataKeys = 4096

// ReadGGUFHeader parses the file's header and metadata section. It stops
// before tensor data, so cost is independent of model size.
func ReadGGUFHeader(path string) (*GGUFMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseGGUF(bufio.NewReaderSize(f, 1<<20))
}

func parseGGUF(r io.Reader) (*GGUFMetadata, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("gguf: reading magic: %w", err)
	}
	if string(magic[:]) != ggufMagic {
		return nil, fmt.Errorf("gguf: bad magic %q", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("gguf: reading version: %w", err)
	}
	if version < ggufVersionMin || version > ggufVersionMax {
		return nil, fmt.Errorf("gguf: unsupported version %d", version)
	}
	var tensorCount, kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, fmt.Errorf("gguf: reading tensor count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, fmt.Errorf("gguf: reading metadata count: %w", err)
	}
	if kvCount > maxMetadataKeys {
		return nil, fmt.Errorf("gguf: implausible metadata count %d", kvCount)
	}

	kv := make(map[string]any, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := readGGUFString(r)
		if err != nil {
			return nil, fmt.Errorf("gguf: metadata key %d: %w", i, err)
		}
		val, err := readGGUFValue(r)
		if err != nil {
			return nil, fmt.Errorf("gguf: metadata value for %q: %w", key, err)
		}
		kv[key] = val
	}

	md := &GGUFMetadata{}
	md.Architecture, _ = kv["general.architecture"].(string)
	md.FileType = asUint(kv["general.file_type"])
	if arch := md.Architecture; arch != "" {
		md.ContextLength = asUint(kv[arch+".context_length"])
		md.EmbeddingLength = asUint(kv[arch+".embedding_length"])
		md.BlockCount = asUint(kv[arch+".block_count"])
		md.HeadsQ = asUint(kv[arch+".attention.head_count"])
		md.HeadsKV = asUint(kv[arch+".attention.head_count_kv"])
		md.VocabSize = asUint(kv[arch+".vocab_size"])
	}
	if md.VocabSize == 0 {
		if tokens, ok := kv["tokenizer.ggml.tokens"].(arrayLen); ok {
			md.VocabSize = uint64(tokens)
		}
	}
	return md, nil
}

// arrayLen stands in for array values: only the element count survives
// parsing, which is all the vocab-size fallback needs.
type arrayLen uint64

// maxStringLen bounds metadata strings. Chat templates run to tens of
// kilobytes; a megabyte is far past anything legitimate.
const maxStringLen = 1 << 20

func readGGUFString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readGGUFValue(r io.Reader) (any, error) {
	var typ uint32
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, err
	}
	return readGGUFTyped(r, typ)
}

func readGGUFTyped(r io.Reader, typ uint32) (any, error) {
	switch typ {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readGGUFString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return nil, err
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, err
		}
		// Elements are consumed, not kept; tokenizer arrays can hold
		// hundreds of thousands of entries.
		for i := uint64(0); i < count; i++ {
			if _, err := readGGUFTyped(r, elemType); err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
		}
		return arrayLen(count), nil
	default:
		return nil, fmt.Errorf("unknown value type %d", typ)
	}
}

func asUint(v any) uint64 {
	switch t := v.(type) {
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint32:
		return uint64(t)
	case uint64:
		return t
	case int8:
		return uint64(t)
	case int16:
		return uint64(t)
	case int32:
		return uint64(t)
	case int64:
		return uint64(t)
	default:
		return 0
	}
}

// ValidateGGUF checks magic, version, and that the metadata section is
// not truncated. It returns nil for a readable header.
func ValidateGGUF(path string) error {
	_, err := ReadGGUFHeader(path)
	if err != nil && strings.Contains(err.Error(), "unexpected EOF") {
		return fmt.Errorf("gguf: file is truncated: %w", err)
	}
	return err
}
