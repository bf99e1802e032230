package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes a record. Pretty output uses two-space indentation.
func Encode(v any, pretty bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVersion parses a VersionRecord.
func DecodeVersion(data []byte) (VersionRecord, error) {
	var rec VersionRecord
	if err := decode(data, &rec); err != nil {
		return VersionRecord{}, fmt.Errorf("decode version record: %w", err)
	}
	return rec, nil
}

// DecodeFileList parses a FileListRecord and validates its entries.
func DecodeFileList(data []byte) (FileListRecord, error) {
	var rec FileListRecord
	if err := decode(data, &rec); err != nil {
		return FileListRecord{}, fmt.Errorf("decode file list record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return FileListRecord{}, fmt.Errorf("decode file list record: %w", err)
	}
	return rec, nil
}

func decode(data []byte, v any) error {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty record")
	}
	return json.Unmarshal(data, v)
}
