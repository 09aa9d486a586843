package badger

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Key layout. Signed values are stored with the sign bit flipped so that
// big-endian byte order matches numeric order.
//
//	r/ <timestamp:8> <id:8>              -> reading JSON
//	c/ <created_at unix nanos:8> <id:8>  -> reading key
//	a/ <start:8> <end:8> <id:8>          -> bucket JSON
//	e/ <end:8> <id:8>                    -> bucket key
var (
	prefixReading     = []byte("r/")
	prefixCreated     = []byte("c/")
	prefixBucket      = []byte("a/")
	prefixIntervalEnd = []byte("e/")

	seqReadingsKey = []byte("seq/readings")
	seqBucketsKey  = []byte("seq/buckets")
)

func encodeInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))
}

func readingKey(ts int64, id uint64) []byte {
	key := make([]byte, 0, len(prefixReading)+16)
	key = append(key, prefixReading...)
	key = binary.BigEndian.AppendUint64(key, encodeInt64(ts))
	return binary.BigEndian.AppendUint64(key, id)
}

// readingSeek positions a forward scan just past every reading at ts.
func readingSeek(ts int64) []byte {
	return readingKey(ts, math.MaxUint64)
}

func createdKey(t time.Time, id uint64) []byte {
	nanos := t.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	key := make([]byte, 0, len(prefixCreated)+16)
	key = append(key, prefixCreated...)
	key = binary.BigEndian.AppendUint64(key, uint64(nanos))
	return binary.BigEndian.AppendUint64(key, id)
}

func decodeCreated(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b[:8])))
}

func bucketKey(start, end int64, id uint64) []byte {
	key := make([]byte, 0, len(prefixBucket)+24)
	key = append(key, prefixBucket...)
	key = binary.BigEndian.AppendUint64(key, encodeInt64(start))
	key = binary.BigEndian.AppendUint64(key, encodeInt64(end))
	return binary.BigEndian.AppendUint64(key, id)
}

func intervalEndKey(end int64, id uint64) []byte {
	key := make([]byte, 0, len(prefixIntervalEnd)+16)
	key = append(key, prefixIntervalEnd...)
	key = binary.BigEndian.AppendUint64(key, encodeInt64(end))
	return binary.BigEndian.AppendUint64(key, id)
}

// prefixEnd returns a key that sorts after every key under prefix, for
// reverse iteration.
func prefixEnd(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 32)...)
}
