package commitlog

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/google/uuid"
	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// StoreCheckpoint is the external collaborator persisting recovery's
// durable bookkeeping: minTimestamp/minTimestampIndex feed abnormal
// recovery's isMappedFileMatchedRecover; confirmPhyOffset is read/written by
// recovery and SetConfirmOffset in duplicated/controller mode.
type StoreCheckpoint interface {
	GetMinTimestamp() int64
	GetMinTimestampIndex() int64
	GetConfirmPhyOffset() int64
	SetConfirmPhyOffset(offset int64) error
	SetMinTimestamp(ts int64) error
	SetMinTimestampIndex(ts int64) error
}

// checkpointRecordSize is generationID(16) + minTimestamp(8) +
// minTimestampIndex(8) + confirmPhyOffset(8).
const checkpointRecordSize = 16 + 8 + 8 + 8

// fileStoreCheckpoint is a concrete, file-backed StoreCheckpoint written
// atomically with natefinch/atomic so a crash mid-write never leaves a torn
// checkpoint file behind.
type fileStoreCheckpoint struct {
	path              string
	generationID      uuid.UUID
	minTimestamp      int64
	minTimestampIndex int64
	confirmPhyOffset  int64
}

// OpenStoreCheckpoint loads an existing checkpoint file at path, or creates
// a fresh one (stamped with a new generation ID) if none exists.
func OpenStoreCheckpoint(path string) (StoreCheckpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cp := &fileStoreCheckpoint{path: path, generationID: uuid.New(), confirmPhyOffset: -1}
			return cp, cp.persist()
		}
		return nil, errors.Wrap(err, "commitlog: read checkpoint file failed")
	}
	cp, err := decodeCheckpoint(path, b)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func decodeCheckpoint(path string, b []byte) (*fileStoreCheckpoint, error) {
	if len(b) != checkpointRecordSize {
		return nil, errors.Errorf("commitlog: checkpoint file %s has unexpected size %d", path, len(b))
	}
	gen, err := uuid.FromBytes(b[0:16])
	if err != nil {
		return nil, errors.Wrap(err, "commitlog: checkpoint generation id malformed")
	}
	return &fileStoreCheckpoint{
		path:              path,
		generationID:      gen,
		minTimestamp:      int64(byteOrder.Uint64(b[16:24])),
		minTimestampIndex: int64(byteOrder.Uint64(b[24:32])),
		confirmPhyOffset:  int64(byteOrder.Uint64(b[32:40])),
	}, nil
}

func (c *fileStoreCheckpoint) persist() error {
	var buf bytes.Buffer
	genBytes, _ := c.generationID.MarshalBinary()
	buf.Write(genBytes)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(c.minTimestamp))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(c.minTimestampIndex))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(c.confirmPhyOffset))
	buf.Write(scratch[:])
	return errors.Wrap(atomicfile.WriteFile(c.path, &buf), "commitlog: write checkpoint file failed")
}

func (c *fileStoreCheckpoint) GetMinTimestamp() int64      { return c.minTimestamp }
func (c *fileStoreCheckpoint) GetMinTimestampIndex() int64 { return c.minTimestampIndex }
func (c *fileStoreCheckpoint) GetConfirmPhyOffset() int64  { return c.confirmPhyOffset }

func (c *fileStoreCheckpoint) SetConfirmPhyOffset(offset int64) error {
	c.confirmPhyOffset = offset
	return c.persist()
}

func (c *fileStoreCheckpoint) SetMinTimestamp(ts int64) error {
	c.minTimestamp = ts
	return c.persist()
}

func (c *fileStoreCheckpoint) SetMinTimestampIndex(ts int64) error {
	c.minTimestampIndex = ts
	return c.persist()
}

// GenerationID exposes the checkpoint's creation-time identity, which Open
// compares against the generation last recorded for the directory
// (checkGeneration), warning on a mismatch rather than failing.
func (c *fileStoreCheckpoint) GenerationID() uuid.UUID { return c.generationID }

// generationSentinelSuffix names the file recording the generation ID last
// observed alongside a commit log directory, independent of the checkpoint
// file's own lifecycle (a checkpoint can be deleted and recreated with a
// fresh generation ID while the segments and sentinel survive).
const generationSentinelSuffix = ".generation"

// checkGeneration compares gen against the generation recorded in dir's
// sentinel file, if any. A mismatch means the checkpoint was replaced by a
// different store instance since the sentinel was last written; this is
// logged as a warning and never fails startup. It then records gen as the
// current generation.
func checkGeneration(dir string, gen uuid.UUID, logger Logger) error {
	path := dir + generationSentinelSuffix
	if b, err := os.ReadFile(path); err == nil && len(b) == 16 {
		if prev, perr := uuid.FromBytes(b); perr == nil && prev != gen {
			logger.Warnf("commitlog: checkpoint generation %s differs from last known %s for %s; "+
				"a different store instance may have written this checkpoint", gen, prev, dir)
		}
	}
	genBytes, _ := gen.MarshalBinary()
	return errors.Wrap(atomicfile.WriteFile(path, bytes.NewReader(genBytes)), "commitlog: write generation sentinel failed")
}
