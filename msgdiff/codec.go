package msgdiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dnsdiff/dnsdiff/match"
)

// DiffRecord is the stored outcome for one disagreeing query: whether
// the non-target resolvers agreed among themselves, and the target's
// field mismatches when they did.
type DiffRecord struct {
	OthersAgree bool
	Fields      map[string]match.Mismatch
}

var ErrBadDiffRecord = errors.New("malformed diff record")

// EncodeDiffRecord lays the record out as one agreement byte, a varint
// field count, then per field three varint-length-prefixed strings:
// label, expected value, got value. Fields are sorted by label so equal
// records encode identically.
func EncodeDiffRecord(record DiffRecord) []byte {
	var buf bytes.Buffer
	if record.OthersAgree {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	labels := make([]string, 0, len(record.Fields))
	for label := range record.Fields {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	writeUvarint(&buf, uint64(len(labels)))
	for _, label := range labels {
		mismatch := record.Fields[label]
		writeString(&buf, label)
		writeString(&buf, mismatch.Expected)
		writeString(&buf, mismatch.Got)
	}
	return buf.Bytes()
}

// DecodeDiffRecord rejects truncated input and trailing garbage.
func DecodeDiffRecord(blob []byte) (DiffRecord, error) {
	reader := bytes.NewReader(blob)
	agreeByte, err := reader.ReadByte()
	if err != nil {
		return DiffRecord{}, fmt.Errorf("%w: missing agreement byte", ErrBadDiffRecord)
	}
	if agreeByte > 1 {
		return DiffRecord{}, fmt.Errorf("%w: agreement byte 0x%02x", ErrBadDiffRecord, agreeByte)
	}
	record := DiffRecord{OthersAgree: agreeByte == 1}
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return DiffRecord{}, fmt.Errorf("%w: field count: %v", ErrBadDiffRecord, err)
	}
	if count > 0 {
		record.Fields = make(map[string]match.Mismatch, count)
	}
	for i := uint64(0); i < count; i++ {
		label, err := readString(reader)
		if err != nil {
			return DiffRecord{}, err
		}
		expected, err := readString(reader)
		if err != nil {
			return DiffRecord{}, err
		}
		got, err := readString(reader)
		if err != nil {
			return DiffRecord{}, err
		}
		record.Fields[label] = match.Mismatch{Expected: expected, Got: got}
	}
	if reader.Len() != 0 {
		return DiffRecord{}, fmt.Errorf("%w: %d trailing bytes", ErrBadDiffRecord, reader.Len())
	}
	return record, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(reader *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return "", fmt.Errorf("%w: string length: %v", ErrBadDiffRecord, err)
	}
	if uint64(reader.Len()) < length {
		return "", fmt.Errorf("%w: string truncated", ErrBadDiffRecord)
	}
	raw := make([]byte, length)
	if _, err := reader.Read(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDiffRecord, err)
	}
	return string(raw), nil
}
