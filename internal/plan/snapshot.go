package plan

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/forgebuild/forge/internal/errs"
)

// Plan serialization (§9 "Serialization of the plan"): a snapshot of every
// node's ID and current state, using the same magic+version+CRC framing as
// the command storage log (§6), so a plan's progress can be written to disk
// and replayed — useful for resuming a long build across process restarts.
// A snapshot does not carry Command bodies; restoring one onto a live plan
// is the caller's responsibility (match by node ID).

var snapshotMagic = [4]byte{'P', 'L', 'N', '1'}

const snapshotVersion uint32 = 1

var snapshotCRCTable = crc32.MakeTable(crc32.Castagnoli)

// NodeSnapshot is one node's persisted state.
type NodeSnapshot struct {
	ID    string
	State State
}

// Snapshot serializes every node's ID and current state.
func Snapshot(p *ExecutionPlan) []byte {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, snapshotVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(p.order)))

	for _, n := range p.order {
		id := n.ID
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(id)))
		buf.WriteString(id)
		_ = binary.Write(&buf, binary.LittleEndian, int32(n.State()))
	}

	payload := buf.Bytes()[:buf.Len()]
	crc := crc32.Checksum(payload[8:], snapshotCRCTable) // exclude magic+version from the checksum scope
	out := make([]byte, 0, len(payload)+4)
	out = append(out, payload...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	return append(out, crcBuf[:]...)
}

// DecodeSnapshot parses a buffer produced by Snapshot, verifying the
// trailing CRC32C before trusting any of it.
func DecodeSnapshot(data []byte) ([]NodeSnapshot, error) {
	if len(data) < 8+4 {
		return nil, errs.New(errs.KindInvalidCommand, "plan snapshot too short")
	}

	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	gotCRC := crc32.Checksum(body[8:], snapshotCRCTable)
	if wantCRC != gotCRC {
		return nil, errs.New(errs.KindInvalidCommand, "plan snapshot checksum mismatch")
	}

	r := bufio.NewReader(bytes.NewReader(body))

	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || m != snapshotMagic {
		return nil, errs.New(errs.KindInvalidCommand, "bad plan snapshot magic")
	}
	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errs.Wrap(errs.KindInvalidCommand, err, "read snapshot version")
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errs.Wrap(errs.KindInvalidCommand, err, "read snapshot node count")
	}

	out := make([]NodeSnapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, errs.Wrap(errs.KindInvalidCommand, err, "read snapshot node id length")
		}
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return nil, errs.Wrap(errs.KindInvalidCommand, err, "read snapshot node id")
		}
		var state int32
		if err := binary.Read(r, binary.LittleEndian, &state); err != nil {
			return nil, errs.Wrap(errs.KindInvalidCommand, err, "read snapshot node state")
		}
		out = append(out, NodeSnapshot{ID: string(idBuf), State: State(state)})
	}

	return out, nil
}
