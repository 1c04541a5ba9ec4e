package metadata

import (
	"fmt"
	"strings"
)

// ==================== Key Naming Scheme ====================
//
// bucket:{name}                      bucket record
// obj:{bucket}:{key}                 chain head (latest version, markers included)
// ver:{bucket}:{key}\x00{seq}        one version; seq inverts the version id so
//                                    ascending KV order is newest-first per key
// upload:{uploadID}                  multipart session record
// upload_idx:{bucket}:{uploadID}     per-bucket session index
// part:{uploadID}:{partNumber}       part record, zero-padded part number
//
// Bucket names are DNS-safe (no colon), so the first two segments always
// parse unambiguously. Object keys may contain any printable byte; the
// \x00 separator before seq keeps a key's versions contiguous and
// strictly ordered even when one key is a prefix of another.

const verSep = "\x00"

func bucketKey(name string) []byte {
	return []byte("bucket:" + name)
}

func bucketListPrefix() []byte {
	return []byte("bucket:")
}

func headKey(bucket, key string) []byte {
	return []byte(fmt.Sprintf("obj:%s:%s", bucket, key))
}

func headListPrefix(bucket, prefix string) []byte {
	return []byte(fmt.Sprintf("obj:%s:%s", bucket, prefix))
}

func versionKey(bucket, key, versionID string) []byte {
	return []byte(fmt.Sprintf("ver:%s:%s%s%s", bucket, key, verSep, invertVersionID(versionID)))
}

func versionChainPrefix(bucket, key string) []byte {
	return []byte(fmt.Sprintf("ver:%s:%s%s", bucket, key, verSep))
}

func versionListPrefix(bucket, prefix string) []byte {
	return []byte(fmt.Sprintf("ver:%s:%s", bucket, prefix))
}

func uploadKey(uploadID string) []byte {
	return []byte("upload:" + uploadID)
}

func uploadListPrefix() []byte {
	return []byte("upload:")
}

func uploadIndexKey(bucket, uploadID string) []byte {
	return []byte(fmt.Sprintf("upload_idx:%s:%s", bucket, uploadID))
}

func uploadIndexPrefix(bucket string) []byte {
	return []byte(fmt.Sprintf("upload_idx:%s:", bucket))
}

func partKey(uploadID string, partNumber int) []byte {
	return []byte(fmt.Sprintf("part:%s:%05d", uploadID, partNumber))
}

func partListPrefix(uploadID string) []byte {
	return []byte(fmt.Sprintf("part:%s:", uploadID))
}

// headKeySuffix extracts the object key from a head KV key.
func headKeySuffix(kvKey, bucket string) string {
	return strings.TrimPrefix(kvKey, fmt.Sprintf("obj:%s:", bucket))
}

// invertVersionID maps every hex digit of a version id to its 15's
// complement. Version ids are fixed-width hex with a fixed dash, so the
// inverted form sorts in exactly reversed order: ascending KV order over
// inverted ids walks versions newest-first.
func invertVersionID(id string) string {
	const digits = "0123456789abcdef"
	out := []byte(id)
	for i, c := range out {
		switch {
		case c >= '0' && c <= '9':
			out[i] = digits[15-(c-'0')]
		case c >= 'a' && c <= 'f':
			out[i] = digits[15-(c-'a'+10)]
		}
	}
	return string(out)
}

// prefixEnd returns the exclusive upper bound for a prefix scan.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // all bytes overflowed — no upper bound
}

// nextSeekKey returns the smallest key strictly greater than k, used to
// resume a scan after an opaque marker.
func nextSeekKey(k string) []byte {
	return append([]byte(k), 0x00)
}
