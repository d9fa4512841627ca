package lsm

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/golang/snappy"
)

// codec.go implements length-prefixed (de)serialization for kv records, WAL
// operations and column-family config (the bloom filter header's own
// serialization lives in bloom.go), generalizing the teacher's
// encodePayload/decodePayload pair (wal.go) to the richer record shapes
// spec §6 names. serializeKV and serializeOperation take a compressed flag
// (the column-family config record is never compressed); when set, the
// encoded payload is run through snappy before being returned,
// matching the sibling corpus repo's pkg/wal/compressed_wal.go idiom of
// wrapping snappy.Encode/snappy.Decode around an append-only record.

func maybeCompress(payload []byte, compressed bool) []byte {
	if !compressed {
		return payload
	}
	return snappy.Encode(nil, payload)
}

func maybeDecompress(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	return snappy.Decode(nil, payload)
}

func putUint32(buf []byte, off int, v uint32) int {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
	return off + 4
}

func putInt64(buf []byte, off int, v int64) int {
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(v))
	return off + 8
}

func getUint32(buf []byte, off int) (uint32, int) {
	return binary.LittleEndian.Uint32(buf[off : off+4]), off + 4
}

func getInt64(buf []byte, off int) (int64, int) {
	return int64(binary.LittleEndian.Uint64(buf[off : off+8])), off + 8
}

// serializeKV encodes [keylen u32][vallen u32][ttl i64][key][value].
func serializeKV(kv KV, compressed bool) ([]byte, *Error) {
	n := 4 + 4 + 8 + len(kv.Key) + len(kv.Value)
	buf := make([]byte, n)
	off := 0
	off = putUint32(buf, off, uint32(len(kv.Key)))
	off = putUint32(buf, off, uint32(len(kv.Value)))
	off = putInt64(buf, off, kv.TTL)
	off += copy(buf[off:], kv.Key)
	copy(buf[off:], kv.Value)
	return maybeCompress(buf, compressed), nil
}

func deserializeKV(data []byte, compressed bool) (KV, *Error) {
	data, err := maybeDecompress(data, compressed)
	if err != nil {
		return KV{}, wrapErr(KindDeserializationFailed, "decompressing kv record", err)
	}
	if len(data) < 16 {
		return KV{}, newErr(KindDeserializationFailed, "kv record too short")
	}
	off := 0
	klen, off := getUint32(data, off)
	vlen, off := getUint32(data, off)
	ttl, off := getInt64(data, off)
	if len(data) < off+int(klen)+int(vlen) {
		return KV{}, newErr(KindDeserializationFailed, "kv record truncated")
	}
	key := append([]byte(nil), data[off:off+int(klen)]...)
	off += int(klen)
	val := append([]byte(nil), data[off:off+int(vlen)]...)
	return KV{Key: key, Value: val, TTL: ttl}, nil
}

// serializeOperation encodes [op u8][cflen u32][cf][kv...].
func serializeOperation(op operation, compressed bool) ([]byte, *Error) {
	kvBuf, kerr := serializeKV(op.KV, false) // inner kv is never independently compressed
	if kerr != nil {
		return nil, kerr
	}
	cfBytes := []byte(op.ColumnFamily)
	n := 1 + 4 + len(cfBytes) + len(kvBuf)
	buf := make([]byte, n)
	off := 0
	buf[off] = byte(op.Op)
	off++
	off = putUint32(buf, off, uint32(len(cfBytes)))
	off += copy(buf[off:], cfBytes)
	copy(buf[off:], kvBuf)
	return maybeCompress(buf, compressed), nil
}

func deserializeOperation(data []byte, compressed bool) (operation, *Error) {
	data, err := maybeDecompress(data, compressed)
	if err != nil {
		return operation{}, wrapErr(KindDeserializationFailed, "decompressing operation record", err)
	}
	if len(data) < 5 {
		return operation{}, newErr(KindDeserializationFailed, "operation record too short")
	}
	off := 0
	op := opCode(data[off])
	off++
	cflen, off := getUint32(data, off)
	if len(data) < off+int(cflen) {
		return operation{}, newErr(KindDeserializationFailed, "operation record truncated (cf name)")
	}
	cf := string(data[off : off+int(cflen)])
	off += int(cflen)
	kv, kerr := deserializeKV(data[off:], false)
	if kerr != nil {
		return operation{}, kerr
	}
	return operation{Op: op, ColumnFamily: cf, KV: kv}, nil
}

// serializeCFConfig encodes [namelen u32][name][threshold i32][maxlevel i32][prob f32 as u32 bits][compressed u8].
func serializeCFConfig(cfg CFConfig) ([]byte, *Error) {
	nameBytes := []byte(cfg.Name)
	n := 4 + len(nameBytes) + 4 + 4 + 4 + 1
	buf := make([]byte, n)
	off := 0
	off = putUint32(buf, off, uint32(len(nameBytes)))
	off += copy(buf[off:], nameBytes)
	off = putUint32(buf, off, uint32(cfg.FlushThreshold))
	off = putUint32(buf, off, uint32(cfg.MaxLevel))
	off = putUint32(buf, off, float32bits(cfg.Probability))
	if cfg.Compressed {
		buf[off] = 1
	}
	return buf, nil
}

func deserializeCFConfig(data []byte) (CFConfig, *Error) {
	if len(data) < 4 {
		return CFConfig{}, newErr(KindDeserializationFailed, "cf config record too short")
	}
	off := 0
	nlen, off := getUint32(data, off)
	if len(data) < off+int(nlen)+13 {
		return CFConfig{}, newErr(KindDeserializationFailed, "cf config record truncated")
	}
	name := string(data[off : off+int(nlen)])
	off += int(nlen)
	threshold, off := getUint32(data, off)
	maxLevel, off := getUint32(data, off)
	probBits, off := getUint32(data, off)
	compressed := data[off] != 0
	return CFConfig{
		Name:           name,
		FlushThreshold: int32(threshold),
		MaxLevel:       int32(maxLevel),
		Probability:    float32frombits(probBits),
		Compressed:     compressed,
	}, nil
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

func float32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}

// writeFramed writes [len u32][crc32c u32][payload] as one logical record,
// the teacher's wal.go framing generalized for reuse across record kinds.
func writeFramed(w io.Writer, payload []byte) (int, error) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32cOf(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return len(hdr) + len(payload), nil
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if crc32cOf(payload) != wantCRC {
		return nil, errCRCMismatch
	}
	return payload, nil
}
