package mnemo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math"
)

// MNMO file format constants.
const (
	// Magic bytes at the start of every store file.
	fileMagic = "MNMO"

	// File format version. Version 3: native vectors and TTL.
	currentVersion uint16 = 3

	// Fixed header size in bytes. The record stream begins here.
	headerSize = 64

	// Minimum bytes for the fixed record prefix:
	// sync(4) + id(8) + flags(1) + timestamp(8).
	recordPrefixSize = 21
)

// syncMarker prefixes every record so scan can resynchronize after a torn
// tail.
var syncMarker = []byte{0xFA, 0xFA, 0xFA, 0xFA}

// Record flags.
const (
	flagHasTTL      byte = 1 << 0
	flagHasMetadata byte = 1 << 1
)

// contentChecksum is the CRC-32 (IEEE) of the content bytes. The checksum
// covers the content only; widening its coverage is a format-version change.
func contentChecksum(content []byte) uint32 {
	return crc32.ChecksumIEEE(content)
}

// encodeHeader returns a fresh 64-byte file header: magic, little-endian
// version, zero-filled reserved bytes.
func encodeHeader() []byte {
	buf := make([]byte, headerSize)
	copy(buf, fileMagic)
	binary.LittleEndian.PutUint16(buf[4:], currentVersion)

	return buf
}

// encodeRecord serializes a record to the on-disk layout:
//
//	sync(4) id(8) flags(1) timestamp(8) [ttl(8)] [mlen(4) metadata(m)]
//	clen(4) content(c) vlen(4) vector(4v) crc32(4)
//
// All integers little-endian. Metadata is a UTF-8 JSON object.
func encodeRecord(rec *Record) ([]byte, error) {
	content := []byte(rec.Content)
	if len(content) > math.MaxUint32 {
		return nil, fmt.Errorf("content length %d exceeds format limit: %w", len(content), ErrCorrupt)
	}

	var meta []byte
	if rec.Metadata != nil {
		m, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}

		meta = m
	}

	var flags byte
	if rec.TTL != nil {
		flags |= flagHasTTL
	}

	if rec.Metadata != nil {
		flags |= flagHasMetadata
	}

	size := recordPrefixSize + 4 + len(content) + 4 + 4*len(rec.Vector) + 4
	if rec.TTL != nil {
		size += 8
	}

	if rec.Metadata != nil {
		size += 4 + len(meta)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, syncMarker...)
	buf = binary.LittleEndian.AppendUint64(buf, rec.ID)
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint64(buf, rec.Timestamp)

	if rec.TTL != nil {
		buf = binary.LittleEndian.AppendUint64(buf, *rec.TTL)
	}

	if rec.Metadata != nil {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
		buf = append(buf, meta...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(content)))
	buf = append(buf, content...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Vector)))
	for _, v := range rec.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	buf = binary.LittleEndian.AppendUint32(buf, contentChecksum(content))

	return buf, nil
}

// frameLen returns the total encoded length of the record frame starting at
// buf[pos], which must begin with the sync marker. Returns ok=false when the
// declared lengths overrun buf - a torn or partially written frame.
func frameLen(buf []byte, pos int) (int, bool) {
	if pos+recordPrefixSize > len(buf) {
		return 0, false
	}

	flags := buf[pos+12]
	cur := pos + recordPrefixSize

	if flags&flagHasTTL != 0 {
		cur += 8
	}

	if flags&flagHasMetadata != 0 {
		if cur+4 > len(buf) {
			return 0, false
		}

		mlen := int(binary.LittleEndian.Uint32(buf[cur:]))
		cur += 4 + mlen
	}

	// Content.
	if cur+4 > len(buf) || cur < 0 {
		return 0, false
	}

	clen := int(binary.LittleEndian.Uint32(buf[cur:]))
	cur += 4 + clen

	// Vector.
	if cur+4 > len(buf) || cur < 0 {
		return 0, false
	}

	vlen := int(binary.LittleEndian.Uint32(buf[cur:]))
	cur += 4 + 4*vlen

	// Checksum.
	cur += 4
	if cur > len(buf) || cur < 0 {
		return 0, false
	}

	return cur - pos, true
}

// decodeRecord parses the record frame starting at buf[pos]. The frame must
// begin with the sync marker and fit entirely within buf; otherwise
// [ErrCorrupt] is returned.
func decodeRecord(buf []byte, pos int) (*Record, error) {
	n, ok := frameLen(buf, pos)
	if !ok {
		return nil, fmt.Errorf("truncated record at offset %d: %w", pos, ErrCorrupt)
	}

	frame := buf[pos : pos+n]
	if string(frame[:4]) != string(syncMarker) {
		return nil, fmt.Errorf("missing sync marker at offset %d: %w", pos, ErrCorrupt)
	}

	rec := &Record{
		ID: binary.LittleEndian.Uint64(frame[4:]),
	}

	flags := frame[12]
	rec.Timestamp = binary.LittleEndian.Uint64(frame[13:])
	cur := recordPrefixSize

	if flags&flagHasTTL != 0 {
		ttl := binary.LittleEndian.Uint64(frame[cur:])
		rec.TTL = &ttl
		cur += 8
	}

	if flags&flagHasMetadata != 0 {
		mlen := int(binary.LittleEndian.Uint32(frame[cur:]))
		cur += 4

		meta := make(map[string]string)

		err := json.Unmarshal(frame[cur:cur+mlen], &meta)
		if err != nil {
			return nil, fmt.Errorf("unmarshal metadata at offset %d: %w", pos, ErrCorrupt)
		}

		rec.Metadata = meta
		cur += mlen
	}

	clen := int(binary.LittleEndian.Uint32(frame[cur:]))
	cur += 4
	rec.Content = string(frame[cur : cur+clen])
	cur += clen

	vlen := int(binary.LittleEndian.Uint32(frame[cur:]))
	cur += 4

	rec.Vector = make([]float32, vlen)
	for i := range rec.Vector {
		rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[cur:]))
		cur += 4
	}

	rec.Checksum = binary.LittleEndian.Uint32(frame[cur:])

	return rec, nil
}
