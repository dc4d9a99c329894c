package boltstore

import (
	"encoding/binary"
	"time"
)

// Bucket name constants for bbolt storage.
var (
	bucketMeta      = []byte("meta")
	bucketRegistry  = []byte("registry")
	bucketOverrides = []byte("overrides")
)

// Key constants.
var (
	keyState   = []byte("state")
	keyVersion = []byte("version")
	keySavedAt = []byte("savedat")
	keySaves   = []byte("saves")
)

// intToKey converts an int to an 8-byte big-endian key.
func intToKey(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian key back to an int.
func keyToInt(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}

func timeToKey(t time.Time) []byte {
	return intToKey(int(t.UnixNano()))
}

func keyToTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(keyToInt(b))).UTC()
}
