package record

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// ContentType is the content type of every stored object.
const ContentType = "application/gzip"

// StorageClass is the object-store tier hint for an encoded record.
type StorageClass string

const (
	// StorageClassStandard is used for objects smaller than the threshold.
	StorageClassStandard StorageClass = "STANDARD"

	// StorageClassStandardIA is used for objects at or above the threshold.
	StorageClassStandardIA StorageClass = "STANDARD_IA"
)

// Encoded is a record ready to be written to the sink.
type Encoded struct {
	Key          string
	Body         []byte
	ContentType  string
	StorageClass StorageClass
}

// ChooseStorageClass picks the tier for a compressed object of size bytes.
func ChooseStorageClass(size int, minSizeStandardIA int64) StorageClass {
	if int64(size) < minSizeStandardIA {
		return StorageClassStandard
	}
	return StorageClassStandardIA
}

// Marshal renders the payload as compact JSON. Map keys are sorted and HTML
// characters are not escaped, so equal payloads always produce equal bytes.
func Marshal(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	// Encoder appends a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Compress gzips data with a zero-valued header, so the output depends only
// on the input bytes.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode serializes and compresses the record payload and picks its storage
// class. The caller is expected to have called InjectKey.
func Encode(r *Record, minSizeStandardIA int64) (*Encoded, error) {
	doc, err := Marshal(r.Payload)
	if err != nil {
		return nil, err
	}

	body, err := Compress(doc)
	if err != nil {
		return nil, err
	}

	return &Encoded{
		Key:          r.ID,
		Body:         body,
		ContentType:  ContentType,
		StorageClass: ChooseStorageClass(len(body), minSizeStandardIA),
	}, nil
}
