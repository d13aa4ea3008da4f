package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	// KindValue frames a real payload; KindMiss frames the miss marker
	// ("authoritatively checked, nothing found").
	KindValue byte = 1
	KindMiss  byte = 2
)

var (
	ErrCorrupt = errors.New("tiercache: corrupt entry")
	magic4     = [...]byte{'T', 'I', 'E', 'R'}
)

// Entry is a decoded fast/warm tier envelope. The ETag travels inside the
// envelope so the payload/ETag pair is written with a single SET and can
// never disagree.
type Entry struct {
	Kind    byte
	ETag    string
	Payload []byte
}

func (e Entry) IsMiss() bool { return e.Kind == KindMiss }

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Layout: magic(4) | ver(1) | kind(1) | etagLen(u16 be) | etag | vlen(u32 be) | payload
func EncodeValue(etag string, payload []byte) []byte {
	if len(etag) > 0xFFFF {
		panic("tiercache: etag too long")
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 2 + len(etag) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindValue)

	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(etag)))
	buf.Write(u2[:])
	buf.WriteString(etag)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes()
}

// EncodeMiss frames the miss marker. It carries no ETag and no payload.
func EncodeMiss() []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 2 + 4)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindMiss)
	buf.Write([]byte{0, 0})       // etagLen
	buf.Write([]byte{0, 0, 0, 0}) // vlen
	return buf.Bytes()
}

func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}
	kind := b[5]
	if kind != KindValue && kind != KindMiss {
		return Entry{}, ErrCorrupt
	}

	off := 6

	elen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if elen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	etag := string(b[off : off+elen])
	off += elen

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
		return Entry{}, ErrCorrupt
	}

	if kind == KindMiss && (elen != 0 || vlen != 0) {
		return Entry{}, ErrCorrupt
	}
	return Entry{Kind: kind, ETag: etag, Payload: b[off : off+vlen]}, nil
}
