// Package cache persists the controller's SDB blob on disk so that a
// reconnect to an unchanged controller can skip the slow chunked download.
// The cached blob is keyed by a fingerprint taken during the handshake and
// is re-decoded on every load, so a load returns exactly what a fresh
// download would have produced.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/luksan/leybold-opc/logging"
	"github.com/luksan/leybold-opc/sdb"
)

// Fingerprint identifies a controller's firmware and SDB revision. Two
// controllers with equal fingerprints serve byte-identical SDB blobs.
type Fingerprint struct {
	Ident   string // firmware ident string from the handshake
	SdbSize uint32 // SDB blob size announced by the controller
}

func (fp Fingerprint) fileName() string {
	h := crc32.NewIEEE()
	h.Write([]byte(fp.Ident))
	binary.Write(h, binary.LittleEndian, fp.SdbSize)
	return fmt.Sprintf("sdb-%08x.cache", h.Sum32())
}

// ErrNotFound is returned by Load when no cache entry exists for the
// fingerprint. A stale entry written for a different fingerprint behaves
// the same way.
var ErrNotFound = errors.New("no cached schema for this controller")

// ErrCorrupt is wrapped into Load errors when an entry exists but fails
// its integrity checks. The caller logs and falls back to a download.
var ErrCorrupt = errors.New("corrupt schema cache entry")

const (
	envelopeMagic   = "LSDB"
	envelopeVersion = 1
)

// Store is a directory of cached SDB blobs, one file per fingerprint.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns the decoded schema and raw blob cached for fp. It returns
// ErrNotFound when nothing usable is cached and an ErrCorrupt-wrapping
// error when an entry exists but cannot be trusted.
func (s *Store) Load(fp Fingerprint) (*sdb.Schema, []byte, error) {
	path := filepath.Join(s.dir, fp.fileName())
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading schema cache: %w", err)
	}

	blob, storedFp, err := decodeEnvelope(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if storedFp != fp {
		// A hash collision or a hand-edited file; treat as absent.
		logging.DebugLog("cache", "fingerprint mismatch in %s, ignoring entry", path)
		return nil, nil, ErrNotFound
	}

	schema, err := sdb.Decode(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: blob does not decode: %v", ErrCorrupt, err)
	}
	logging.DebugLog("cache", "loaded %d-byte blob from %s", len(blob), path)
	return schema, blob, nil
}

// Store writes the blob for fp, replacing any previous entry atomically.
func (s *Store) Store(fp Fingerprint, blob []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	path := filepath.Join(s.dir, fp.fileName())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeEnvelope(fp, blob), 0o644); err != nil {
		return fmt.Errorf("writing schema cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing schema cache: %w", err)
	}
	logging.DebugLog("cache", "stored %d-byte blob in %s", len(blob), path)
	return nil
}

// The envelope is little-endian like the blob it wraps: magic "LSDB",
// format version, the fingerprint, a CRC of the blob, then the blob.
func encodeEnvelope(fp Fingerprint, blob []byte) []byte {
	b := []byte(envelopeMagic)
	b = binary.LittleEndian.AppendUint16(b, envelopeVersion)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(fp.Ident)))
	b = append(b, fp.Ident...)
	b = binary.LittleEndian.AppendUint32(b, fp.SdbSize)
	b = binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(blob))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(blob)))
	return append(b, blob...)
}

func decodeEnvelope(data []byte) (blob []byte, fp Fingerprint, err error) {
	if len(data) < len(envelopeMagic)+2 || string(data[:4]) != envelopeMagic {
		return nil, fp, errors.New("bad envelope magic")
	}
	data = data[4:]
	if v := binary.LittleEndian.Uint16(data); v != envelopeVersion {
		return nil, fp, fmt.Errorf("unsupported envelope version %d", v)
	}
	data = data[2:]

	if len(data) < 2 {
		return nil, fp, errors.New("truncated envelope")
	}
	identLen := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < identLen+12 {
		return nil, fp, errors.New("truncated envelope")
	}
	fp.Ident = string(data[:identLen])
	data = data[identLen:]

	fp.SdbSize = binary.LittleEndian.Uint32(data)
	sum := binary.LittleEndian.Uint32(data[4:])
	blobLen := int(binary.LittleEndian.Uint32(data[8:]))
	data = data[12:]
	if len(data) != blobLen {
		return nil, fp, fmt.Errorf("blob is %d bytes, envelope says %d", len(data), blobLen)
	}
	if got := crc32.ChecksumIEEE(data); got != sum {
		return nil, fp, fmt.Errorf("blob checksum 0x%08X, envelope says 0x%08X", got, sum)
	}
	return data, fp, nil
}
