package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const recordFormatVersionCurrent = 1

// ErrInvalidRecord is returned by [Decode] for malformed blobs.
var ErrInvalidRecord = errors.New("invalid session record")

// Encode serializes r in the current format version.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil session record")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordFormatVersionCurrent)

	for _, field := range []string{r.UserID, r.Email, r.Username, r.AccessToken, r.RefreshToken} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, r.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.SavedAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a blob produced by [Encode].
func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrInvalidRecord
	}
	if version != recordFormatVersionCurrent {
		return nil, errors.New("invalid session record version")
	}

	r := &Record{}
	for _, dst := range []*string{&r.UserID, &r.Email, &r.Username, &r.AccessToken, &r.RefreshToken} {
		v, err := readString(reader)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	if err := binary.Read(reader, binary.BigEndian, &r.ExpiresAt); err != nil {
		return nil, ErrInvalidRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &r.SavedAt); err != nil {
		return nil, ErrInvalidRecord
	}
	if reader.Len() != 0 {
		return nil, ErrInvalidRecord
	}

	return r, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return errors.New("session record field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", ErrInvalidRecord
	}
	if int(n) > reader.Len() {
		return "", ErrInvalidRecord
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", ErrInvalidRecord
	}
	return string(raw), nil
}
