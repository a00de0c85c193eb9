package mnemo

import "encoding/binary"

// scanBody walks the record stream (the file body, starting at the first
// byte after the header) and rebuilds the offset index.
//
// At each position, if the next 4 bytes are the sync marker and a complete
// frame fits in the remaining bytes, the record's id is mapped to its
// absolute file offset and the walk advances past the frame. Otherwise the
// walk advances by one byte. A partially written record at the end of the
// file is skipped this way: its declared lengths overrun the buffer, so the
// frame never parses and the marker bytes are stepped over.
//
// Runs in O(body size), only on open.
func scanBody(body []byte) (map[uint64]int64, uint64) {
	index := make(map[uint64]int64)

	var lastID uint64

	pos := 0
	for pos+recordPrefixSize <= len(body) {
		if !hasSyncMarker(body, pos) {
			pos++

			continue
		}

		n, ok := frameLen(body, pos)
		if !ok {
			// Torn frame: resynchronize byte-wise.
			pos++

			continue
		}

		id := binary.LittleEndian.Uint64(body[pos+4:])
		index[id] = int64(headerSize + pos)

		if id > lastID {
			lastID = id
		}

		pos += n
	}

	return index, lastID
}

func hasSyncMarker(buf []byte, pos int) bool {
	return buf[pos] == syncMarker[0] &&
		buf[pos+1] == syncMarker[1] &&
		buf[pos+2] == syncMarker[2] &&
		buf[pos+3] == syncMarker[3]
}
