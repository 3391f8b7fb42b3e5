// Copyright 2015 Daniel Pupius

// Package diskcache is a persistent key-value tier backed by badger. Entries
// are addressed by the digest of a cachekey.Key and stored zstd-compressed.
//
// A Store is safe for concurrent use; badger serialises conflicting writes
// internally, and the zstd encoder and decoder are only used through their
// stateless EncodeAll and DecodeAll methods.
package diskcache

import (
	"bytes"
	"io"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dpup/rcache/cachekey"
	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Path is the directory holding the badger files. Ignored when InMemory is
	// set.
	Path string
	// InMemory keeps all data in memory. Mostly useful for tests.
	InMemory bool
	// MinimumFreeSpace is the free space, in GB, that must be available on the
	// device holding Path for Open to succeed. Zero disables the check.
	MinimumFreeSpace int
	// ValueLogFileSize caps the size of each badger value log file. Defaults to
	// 100MB.
	ValueLogFileSize int64
	Logger           *logrus.Logger
}

type Store struct {
	config       Config
	db           *badger.DB
	log          *logrus.Entry
	encoder      *zstd.Encoder
	decoder      *zstd.Decoder
	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
}

// Open opens, or creates, the store described by config.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.ValueLogFileSize < 1 {
		config.ValueLogFileSize = 1024 * 1024 * 100
	}
	log := config.Logger.WithField("component", "diskcache")

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New(errors.CodeInvalidConfig, "disk cache path is required")
		}
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to create disk cache directory")
		}
		if err := checkFreeSpace(log, config.Path, config.MinimumFreeSpace); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to open disk cache")
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create zstd decoder")
	}

	return &Store{
		config:  config,
		db:      db,
		log:     log,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func checkFreeSpace(log *logrus.Entry, path string, minimumGB int) error {
	usage, err := disk.Usage(path)
	if err != nil {
		log.WithField("path", path).Warnf("Error retrieving disk usage stats: %v", err)
		if minimumGB > 0 {
			return errors.Wrap(err, errors.CodeUnavailable, "failed to check free space for disk cache")
		}
		return nil
	}

	log.WithFields(logrus.Fields{
		"path":  path,
		"total": humanize.Bytes(usage.Total),
		"used":  humanize.Bytes(usage.Used),
		"free":  humanize.Bytes(usage.Free),
	}).Info("Disk usage")

	if minimumGB > 0 && usage.Free < uint64(minimumGB)*1e9 {
		return errors.WithContext(
			errors.Newf(errors.CodeUnavailable, "not enough free space for disk cache, need %d GB", minimumGB),
			"free", humanize.Bytes(usage.Free))
	}
	return nil
}

func address(key cachekey.Key) ([]byte, error) {
	d, err := cachekey.Address(key)
	if err != nil {
		return nil, err
	}
	return []byte(d.String()), nil
}

// Get returns the data stored under key, or nil if there is none.
func (s *Store) Get(key cachekey.Key) ([]byte, error) {
	addr, err := address(key)
	if err != nil {
		return nil, err
	}

	s.readCounter.Add(1)
	var compressed []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(addr)
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "error reading key %s", addr)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "corrupt entry for key %s", addr)
	}
	if data == nil {
		// An empty entry is still a hit.
		data = []byte{}
	}
	return data, nil
}

// Put stores whatever write produces under key. Nothing is stored if write
// fails.
func (s *Store) Put(key cachekey.Key, write func(w io.Writer) error) error {
	addr, err := address(key)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return errors.Wrapf(err, errors.CodeExecutionFailed, "failed to produce entry for key %s", addr)
	}

	s.writeCounter.Add(1)
	compressed := s.encoder.EncodeAll(buf.Bytes(), nil)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(addr, compressed)
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "error writing key %s", addr)
	}

	s.log.WithFields(logrus.Fields{
		"key":  string(addr),
		"size": humanize.Bytes(uint64(buf.Len())),
	}).Debug("Stored entry")
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key cachekey.Key) error {
	addr, err := address(key)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(addr)
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "error deleting key %s", addr)
	}
	return nil
}

// Clear removes every entry.
func (s *Store) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to clear disk cache")
	}
	return nil
}

// Stats returns the number of reads and writes served since Open.
func (s *Store) Stats() (reads, writes uint64) {
	return s.readCounter.Load(), s.writeCounter.Load()
}

// Close syncs and closes the underlying database.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()

	if !s.config.InMemory {
		if err := s.db.Sync(); err != nil {
			s.log.Warnf("error syncing db: %v", err)
		}
		if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
			s.log.Debugf("value log gc: %v", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to close disk cache")
	}
	return nil
}
