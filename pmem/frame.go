package pmem

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"
)

// magic opens every journal file.
var magic = [8]byte{'B', 'K', 'V', 'P', 'O', 'O', 'L', 0}

const (
	checksumSize    = 32
	frameHeaderSize = 4 + checksumSize
)

const (
	kindHeader uint8 = 1
	kindCommit uint8 = 2
)

// errTornFrame marks a frame that was never completely written.
var errTornFrame = errors.New("torn journal frame")

// record is the unit stored in one journal frame.
type record struct {
	Kind uint8 `cbor:"1,keyasint"`

	// header fields
	Layout  string `cbor:"2,keyasint,omitempty"`
	PoolID  string `cbor:"3,keyasint,omitempty"`
	Size    int64  `cbor:"4,keyasint,omitempty"`
	Created int64  `cbor:"5,keyasint,omitempty"`

	// commit fields
	Seq    uint64        `cbor:"6,keyasint,omitempty"`
	Next   OID           `cbor:"7,keyasint,omitempty"`
	Root   OID           `cbor:"8,keyasint,omitempty"`
	Writes []objectWrite `cbor:"9,keyasint,omitempty"`
	Frees  []OID         `cbor:"10,keyasint,omitempty"`
}

type objectWrite struct {
	OID  OID    `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("pmem: cbor encoding mode: %v", err))
	}
	return em
}

// encodeFrame serializes a record as a checksummed, compressed frame.
func encodeFrame(rec *record) ([]byte, error) {
	b, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode journal record: %w", err)
	}
	payload := snappy.Encode(nil, b)
	sum := sha3.Sum256(payload)

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:frameHeaderSize], sum[:])
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// readFrame reads the next frame from r. It returns io.EOF at a clean end
// of the journal and errTornFrame for a short or damaged frame. remaining is
// the number of unread bytes in the journal.
func readFrame(r *bufio.Reader, remaining int64) (*record, int64, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, 0, errTornFrame
		}
		return nil, 0, err
	}

	// A length running past the end of the file can only come from a
	// partial write.
	length := int64(binary.LittleEndian.Uint32(hdr[0:4]))
	if length > remaining-frameHeaderSize {
		return nil, 0, errTornFrame
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, errTornFrame
		}
		return nil, 0, err
	}

	sum := sha3.Sum256(payload)
	if !bytes.Equal(sum[:], hdr[4:]) {
		return nil, 0, errTornFrame
	}
	b, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, 0, errTornFrame
	}
	var rec record
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, 0, errTornFrame
	}
	return &rec, frameHeaderSize + length, nil
}
