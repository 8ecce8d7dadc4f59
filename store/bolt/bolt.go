// Package bolt provides a durable OTA store on top of bbolt. Processes,
// parameters and download states are kept as JSON records; firmware images
// are stored in fixed-size blocks so fragment writes touch a single block.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/device/ota"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultCapacity is the default firmware capacity in bytes.
	DefaultCapacity = 4 << 20
	// DefaultBlockSize is the default firmware block size in bytes.
	DefaultBlockSize = 4096
)

var (
	bucketProcesses  = []byte("processes")
	bucketParameters = []byte("parameters")
	bucketStates     = []byte("states")
	bucketFirmware   = []byte("firmware")

	// keyLength holds the written image length in a firmware bucket. Block
	// keys are four bytes long and cannot collide with it.
	keyLength = []byte("len")
)

// ErrCapacity is returned for firmware writes past the configured capacity.
var ErrCapacity = errors.New("firmware capacity exceeded")

// Compile-time assertions that Store implements the storage collaborators.
var (
	_ ota.ProcessStore    = (*Store)(nil)
	_ ota.StateStore      = (*Store)(nil)
	_ ota.ParameterStore  = (*Store)(nil)
	_ ota.FirmwareStorage = (*Store)(nil)
	_ ota.FirmwareEraser  = (*Store)(nil)
)

// Config configures a Store.
type Config struct {
	// Path is the database file.
	Path string
	// Capacity is the firmware capacity in bytes (default: 4 MiB).
	Capacity uint32
	// BlockSize is the firmware block size in bytes (default: 4096).
	BlockSize int
	// Timeout bounds waiting for the file lock (default: 1s).
	Timeout time.Duration
	// Logger for store events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Store is a bbolt-backed OTA store.
type Store struct {
	db  *bolt.DB
	cfg Config
	log *slog.Logger
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProcesses, bucketParameters, bucketStates, bucketFirmware} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, cfg: cfg, log: cfg.Logger.WithGroup("store")}
	s.log.Debug("database opened", "path", cfg.Path, "capacity", cfg.Capacity, "block_size", cfg.BlockSize)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func processKey(id core.ProcessID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

func blockKey(n uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, n)
}

// StoreNewProcess records id as a stored process.
func (s *Store) StoreNewProcess(id core.ProcessID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stamp := binary.BigEndian.AppendUint64(nil, uint64(time.Now().Unix()))
		return tx.Bucket(bucketProcesses).Put(processKey(id), stamp)
	})
}

// ListStoredProcesses returns the stored process ids in ascending order.
func (s *Store) ListStoredProcesses() ([]core.ProcessID, error) {
	var ids []core.ProcessID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(k, _ []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("malformed process key %x", k)
			}
			ids = append(ids, core.ProcessID(binary.BigEndian.Uint32(k)))
			return nil
		})
	})
	return ids, err
}

// RemoveStoredProcess deletes id with its parameters and state. The image
// is kept until EraseFirmware.
func (s *Store) RemoveStoredProcess(id core.ProcessID) error {
	key := processKey(id)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProcesses, bucketParameters, bucketStates} {
			if err := tx.Bucket(name).Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) putJSON(bucket []byte, id core.ProcessID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", bucket, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(processKey(id), data)
	})
}

func (s *Store) getJSON(bucket []byte, id core.ProcessID, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(processKey(id))
		if data == nil {
			return fmt.Errorf("%s of %v: %w", bucket, id, core.ErrNotFound)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decoding %s of %v: %w", bucket, id, err)
		}
		return nil
	})
}

// StoreState saves st.
func (s *Store) StoreState(st *core.DownloadState) error {
	return s.putJSON(bucketStates, st.ProcessID, st)
}

// ReadState returns the state of id, or core.ErrNotFound.
func (s *Store) ReadState(id core.ProcessID) (*core.DownloadState, error) {
	var st core.DownloadState
	if err := s.getJSON(bucketStates, id, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StoreParameters saves p.
func (s *Store) StoreParameters(p *core.Parameters) error {
	return s.putJSON(bucketParameters, p.ProcessID, p)
}

// ReadParameters returns the parameters of id, or core.ErrNotFound.
func (s *Store) ReadParameters(id core.ProcessID) (*core.Parameters, error) {
	var p core.Parameters
	if err := s.getJSON(bucketParameters, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Capacity returns the firmware capacity in bytes.
func (s *Store) Capacity() uint32 {
	return s.cfg.Capacity
}

// WriteFirmware writes data at offset of the image of id.
func (s *Store) WriteFirmware(id core.ProcessID, offset uint32, data []byte) (int, error) {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(s.cfg.Capacity) {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrCapacity, len(data), offset)
	}
	bs := uint64(s.cfg.BlockSize)

	err := s.db.Update(func(tx *bolt.Tx) error {
		img, err := tx.Bucket(bucketFirmware).CreateBucketIfNotExists(processKey(id))
		if err != nil {
			return err
		}
		for pos := uint64(offset); pos < end; {
			n := uint32(pos / bs)
			start := pos % bs
			stop := min(bs, start+end-pos)

			block := make([]byte, bs)
			copy(block, img.Get(blockKey(n)))
			copy(block[start:stop], data[pos-uint64(offset):])
			if err := img.Put(blockKey(n), block); err != nil {
				return err
			}
			pos += stop - start
		}
		if end > uint64(imageLength(img)) {
			return img.Put(keyLength, binary.BigEndian.AppendUint32(nil, uint32(end)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func imageLength(img *bolt.Bucket) uint32 {
	v := img.Get(keyLength)
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// ReadFirmware reads the image of id at offset into buf. It returns io.EOF
// at or past the end of the written image.
func (s *Store) ReadFirmware(id core.ProcessID, offset uint32, buf []byte) (int, error) {
	bs := uint64(s.cfg.BlockSize)
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		img := tx.Bucket(bucketFirmware).Bucket(processKey(id))
		if img == nil {
			return fmt.Errorf("image of %v: %w", id, core.ErrNotFound)
		}
		length := uint64(imageLength(img))
		if uint64(offset) >= length {
			return io.EOF
		}
		end := min(length, uint64(offset)+uint64(len(buf)))
		for pos := uint64(offset); pos < end; {
			start := pos % bs
			stop := min(bs, start+end-pos)
			block := img.Get(blockKey(uint32(pos / bs)))
			chunk := buf[pos-uint64(offset) : pos-uint64(offset)+stop-start]
			if uint64(len(block)) >= stop {
				copy(chunk, block[start:stop])
			} else {
				clear(chunk)
			}
			pos += stop - start
		}
		n = int(end - uint64(offset))
		return nil
	})
	return n, err
}

// EraseFirmware deletes the image of id.
func (s *Store) EraseFirmware(id core.ProcessID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketFirmware).DeleteBucket(processKey(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
