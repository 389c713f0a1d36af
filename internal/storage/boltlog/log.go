package boltlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/util"
)

var (
	metaBucket = []byte("meta")

	maxHandleKey  = "max_handle/"
	checkpointKey = "checkpoint/"
	epochKey      = "epoch/"
)

// ErrCheckpointBeyondMax is returned when a checkpoint names a handle the log has not applied
var ErrCheckpointBeyondMax = errors.New("checkpoint beyond max handle")

// Log is a replica's durable transaction log. Each partition has its own
// bucket keyed by big-endian handle, so cursor order is handle order. The
// meta bucket holds each partition's max applied handle, checkpoint, and
// highest promotion epoch seen.
type Log struct {
	conn   *bbolt.DB
	logger *zap.Logger
}

// Open opens or creates the log at path
func Open(path string, logger *zap.Logger) (*Log, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened replica log", zap.String("path", path))
	return &Log{conn: db, logger: logger}, nil
}

// Close closes the underlying database
func (l *Log) Close() error {
	return l.conn.Close()
}

func partitionBucket(partition model.PartitionID) []byte {
	return []byte("partition/" + partition.String())
}

func metaKey(prefix string, partition model.PartitionID) []byte {
	return []byte(prefix + partition.String())
}

func getUint64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	return b.Put(key, util.EncodeUint64Key(v))
}

// records are stored as [crc32][payload]
func encodeRecord(r *model.TransactionRecord) []byte {
	buf := make([]byte, 4+len(r.Payload))
	binary.BigEndian.PutUint32(buf, r.Checksum)
	copy(buf[4:], r.Payload)
	return buf
}

func decodeRecord(key, value []byte) (*model.TransactionRecord, error) {
	h, err := util.DecodeUint64Key(key)
	if err != nil {
		return nil, err
	}
	if len(value) < 4 {
		return nil, fmt.Errorf("record %d is truncated", h)
	}
	payload := make([]byte, len(value)-4)
	copy(payload, value[4:])
	return &model.TransactionRecord{
		Handle:   model.Handle(h),
		Payload:  payload,
		Checksum: binary.BigEndian.Uint32(value),
	}, nil
}

// Append stores record if its handle is above the partition's max handle.
// It reports whether the record was written; a record at or below the max
// is already applied and is skipped.
func (l *Log) Append(partition model.PartitionID, record *model.TransactionRecord) (bool, error) {
	applied := false
	err := l.conn.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		maxKey := metaKey(maxHandleKey, partition)
		if model.Handle(getUint64(meta, maxKey)) >= record.Handle {
			return nil
		}

		bucket, err := tx.CreateBucketIfNotExists(partitionBucket(partition))
		if err != nil {
			return fmt.Errorf("failed to create partition bucket: %w", err)
		}
		if err := bucket.Put(util.EncodeUint64Key(uint64(record.Handle)), encodeRecord(record)); err != nil {
			return fmt.Errorf("failed to put record: %w", err)
		}
		applied = true
		return putUint64(meta, maxKey, uint64(record.Handle))
	})
	return applied, err
}

// MaxHandle returns the highest handle applied to partition
func (l *Log) MaxHandle(partition model.PartitionID) (model.Handle, error) {
	var h uint64
	err := l.conn.View(func(tx *bbolt.Tx) error {
		h = getUint64(tx.Bucket(metaBucket), metaKey(maxHandleKey, partition))
		return nil
	})
	return model.Handle(h), err
}

// Checkpoint returns the partition's durable checkpoint handle
func (l *Log) Checkpoint(partition model.PartitionID) (model.Handle, error) {
	var h uint64
	err := l.conn.View(func(tx *bbolt.Tx) error {
		h = getUint64(tx.Bucket(metaBucket), metaKey(checkpointKey, partition))
		return nil
	})
	return model.Handle(h), err
}

// SetCheckpoint advances the checkpoint to handle and drops the records it
// covers. A checkpoint never moves backwards and never passes the max handle.
func (l *Log) SetCheckpoint(partition model.PartitionID, handle model.Handle) error {
	return l.conn.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		cpKey := metaKey(checkpointKey, partition)

		if max := model.Handle(getUint64(meta, metaKey(maxHandleKey, partition))); handle > max {
			return fmt.Errorf("%w: checkpoint %d, max %d", ErrCheckpointBeyondMax, handle, max)
		}
		if handle <= model.Handle(getUint64(meta, cpKey)) {
			return nil
		}

		if bucket := tx.Bucket(partitionBucket(partition)); bucket != nil {
			// deleting under a live cursor skips keys, so collect first
			var covered [][]byte
			limit := util.EncodeUint64Key(uint64(handle))
			c := bucket.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, limit) <= 0; k, _ = c.Next() {
				covered = append(covered, append([]byte(nil), k...))
			}
			for _, k := range covered {
				if err := bucket.Delete(k); err != nil {
					return fmt.Errorf("failed to truncate record: %w", err)
				}
			}
		}
		return putUint64(meta, cpKey, uint64(handle))
	})
}

// Tail returns the records after the checkpoint in ascending handle order,
// together with the max applied handle
func (l *Log) Tail(partition model.PartitionID) ([]*model.TransactionRecord, model.Handle, error) {
	var (
		records []*model.TransactionRecord
		max     uint64
	)
	err := l.conn.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		max = getUint64(meta, metaKey(maxHandleKey, partition))
		checkpoint := getUint64(meta, metaKey(checkpointKey, partition))

		bucket := tx.Bucket(partitionBucket(partition))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(util.EncodeUint64Key(checkpoint + 1)); k != nil; k, v = c.Next() {
			r, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read tail of partition %d: %w", partition, err)
	}
	return records, model.Handle(max), nil
}

// ObserveEpoch records epoch as the partition's highest seen epoch. It
// returns false with the current epoch when epoch is older.
func (l *Log) ObserveEpoch(partition model.PartitionID, epoch model.Epoch) (bool, model.Epoch, error) {
	accepted := false
	var current uint64
	err := l.conn.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		key := metaKey(epochKey, partition)
		current = getUint64(meta, key)
		if uint64(epoch) < current {
			return nil
		}
		accepted = true
		if uint64(epoch) == current {
			return nil
		}
		current = uint64(epoch)
		return putUint64(meta, key, current)
	})
	return accepted, model.Epoch(current), err
}
