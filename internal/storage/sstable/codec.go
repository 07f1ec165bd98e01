package sstable

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/model"
)

// Record field numbers. Unknown fields are skipped on decode so that new
// fields can be added without rewriting old segments.
const (
	fieldKey        protowire.Number = 1
	fieldRegion     protowire.Number = 2
	fieldValue      protowire.Number = 3
	fieldInsertedAt protowire.Number = 4
	fieldDeleted    protowire.Number = 5
)

// AppendRecord appends the wire form of rec to dst.
func AppendRecord(dst []byte, rec *model.Record) []byte {
	dst = protowire.AppendTag(dst, fieldKey, protowire.BytesType)
	dst = protowire.AppendString(dst, rec.Key)
	dst = protowire.AppendTag(dst, fieldRegion, protowire.BytesType)
	dst = protowire.AppendBytes(dst, rec.Region.AppendBinary(nil))
	if len(rec.Value) > 0 {
		dst = protowire.AppendTag(dst, fieldValue, protowire.BytesType)
		dst = protowire.AppendBytes(dst, rec.Value)
	}
	dst = protowire.AppendTag(dst, fieldInsertedAt, protowire.VarintType)
	dst = protowire.AppendVarint(dst, protowire.EncodeZigZag(rec.InsertedAt))
	if rec.Deleted {
		dst = protowire.AppendTag(dst, fieldDeleted, protowire.VarintType)
		dst = protowire.AppendVarint(dst, protowire.EncodeBool(true))
	}
	return dst
}

// DecodeRecord parses a record. Value is copied out of b.
func DecodeRecord(b []byte) (*model.Record, error) {
	rec := &model.Record{}
	sawKey := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("record key: %w", protowire.ParseError(n))
			}
			rec.Key, sawKey = v, true
			b = b[n:]
		case num == fieldRegion && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("record region: %w", protowire.ParseError(n))
			}
			var region bbox.BoundingRegion
			if err := region.UnmarshalBinary(v); err != nil {
				return nil, fmt.Errorf("record region: %w", err)
			}
			rec.Region = region
			b = b[n:]
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("record value: %w", protowire.ParseError(n))
			}
			rec.Value = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldInsertedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("record timestamp: %w", protowire.ParseError(n))
			}
			rec.InsertedAt = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == fieldDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("record tombstone: %w", protowire.ParseError(n))
			}
			rec.Deleted = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawKey {
		return nil, fmt.Errorf("record without key")
	}
	return rec, nil
}

// IndexEntry locates one record frame in the data file.
type IndexEntry struct {
	Key    string
	Offset int64
	Length int64
}

func appendIndexEntry(dst []byte, e IndexEntry) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.BytesType)
	dst = protowire.AppendString(dst, e.Key)
	dst = protowire.AppendTag(dst, 2, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(e.Offset))
	dst = protowire.AppendTag(dst, 3, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(e.Length))
	return dst
}

func decodeIndexEntry(b []byte) (IndexEntry, error) {
	var e IndexEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Key = v
			b = b[n:]
		case (num == 2 || num == 3) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			if num == 2 {
				e.Offset = int64(v)
			} else {
				e.Length = int64(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}
