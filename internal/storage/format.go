package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/hasher"
)

// On-disk format (§6 EXTERNAL INTERFACES, little-endian):
//
//	header: magic "CMD1" (4B), version (u32=1), epoch (u64)
//	record: length L (u32), payload (L bytes), CRC32C(payload) (u32)
//	payload: fingerprint (16B), exit_code (i32), n_outputs (u32),
//	         then per output: path_len (u16), path bytes, strong_hash (16B), size (u64), mtime_ns (i64)

var magic = [4]byte{'C', 'M', 'D', '1'}

const formatVersion uint32 = 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type header struct {
	Version uint32
	Epoch   uint64
}

func writeHeader(w io.Writer, h header) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Version); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, h.Epoch)
}

func readHeader(r io.Reader) (header, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return header{}, err
	}
	if m != magic {
		return header{}, errs.New(errs.KindStorageIOError, "bad storage magic")
	}
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return header{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Epoch); err != nil {
		return header{}, err
	}
	return h, nil
}

// outputEntry is one {path, digest} pair within a record's payload.
type outputEntry struct {
	Path   string
	Digest digest.Digest
}

// record is the decoded form of a CommandStorage log entry.
type record struct {
	Fingerprint hasher.Fingerprint
	ExitCode    int32
	Outputs     []outputEntry
}

func encodeRecord(rec record) []byte {
	payload := encodePayload(rec)

	buf := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	crc := crc32.Checksum(payload, crcTable)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc)
	return buf
}

func encodePayload(rec record) []byte {
	size := 16 + 4 + 4
	for _, o := range rec.Outputs {
		size += 2 + len(o.Path) + 16 + 8 + 8
	}

	buf := make([]byte, size)
	off := 0
	copy(buf[off:off+16], rec.Fingerprint[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:], uint32(rec.ExitCode))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(rec.Outputs)))
	off += 4

	for _, o := range rec.Outputs {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(o.Path)))
		off += 2
		copy(buf[off:], o.Path)
		off += len(o.Path)
		copy(buf[off:off+16], o.Digest.StrongHash[:])
		off += 16
		binary.LittleEndian.PutUint64(buf[off:], uint64(o.Digest.Stat.Size))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(o.Digest.Stat.ModTime))
		off += 8
	}
	return buf
}

// readRecord reads one length-prefixed, CRC-checked record from r. On EOF
// at a record boundary it returns io.EOF. A truncated trailing record (not
// enough bytes for the declared length) returns errTruncated so the replay
// loop can stop cleanly without treating it as corruption (§4.4 "Durability").
var errTruncated = errs.New(errs.KindStorageIOError, "truncated trailing record")

func readRecord(r *bufio.Reader) (record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return record{}, errTruncated
		}
		return record{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return record{}, errTruncated
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return record{}, errTruncated
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	gotCRC := crc32.Checksum(payload, crcTable)
	if wantCRC != gotCRC {
		return record{}, errTruncated
	}

	return decodePayload(payload)
}

func decodePayload(payload []byte) (record, error) {
	if len(payload) < 24 {
		return record{}, errTruncated
	}
	var rec record
	off := 0
	copy(rec.Fingerprint[:], payload[off:off+16])
	off += 16
	rec.ExitCode = int32(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	n := binary.LittleEndian.Uint32(payload[off:])
	off += 4

	rec.Outputs = make([]outputEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+2 > len(payload) {
			return record{}, errTruncated
		}
		pathLen := int(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		if off+pathLen+16+8+8 > len(payload) {
			return record{}, errTruncated
		}
		path := string(payload[off : off+pathLen])
		off += pathLen

		var d digest.Digest
		copy(d.StrongHash[:], payload[off:off+16])
		off += 16
		d.Stat.Size = int64(binary.LittleEndian.Uint64(payload[off:]))
		off += 8
		d.Stat.ModTime = int64(binary.LittleEndian.Uint64(payload[off:]))
		off += 8

		rec.Outputs = append(rec.Outputs, outputEntry{Path: path, Digest: d})
	}
	return rec, nil
}
