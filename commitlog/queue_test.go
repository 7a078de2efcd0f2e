package commitlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, fileSize int64) *mappedFileQueue {
	t.Helper()
	dir := t.TempDir()
	q := newMappedFileQueue(dir, fileSize, nil, NewSilentLogger())
	require.NoError(t, q.load())
	t.Cleanup(func() { _ = q.close() })
	return q
}

func TestQueueCreatesFirstSegmentAtZero(t *testing.T) {
	q := newTestQueue(t, 4096)
	mf, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, mf.fileFromOffset)
	assert.EqualValues(t, 4096, mf.fileSize)
}

func TestQueueRollsOnceSegmentIsFull(t *testing.T) {
	q := newTestQueue(t, 64)
	first, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	first.wrotePosition = first.fileSize // simulate it having filled up

	second, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 64, second.fileFromOffset)
}

func TestQueueFindMappedFileByOffset(t *testing.T) {
	q := newTestQueue(t, 64)
	first, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	first.wrotePosition = first.fileSize
	second, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)

	assert.Same(t, first, q.findMappedFileByOffset(10))
	assert.Same(t, second, q.findMappedFileByOffset(70))
	assert.Nil(t, q.findMappedFileByOffset(1000))
}

func TestQueueMaxAndMinOffset(t *testing.T) {
	q := newTestQueue(t, 64)
	mf, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	mf.wrotePosition = 20

	assert.EqualValues(t, 0, q.getMinOffset())
	assert.EqualValues(t, 20, q.getMaxOffset())
}

func TestQueueTruncateDirtyFilesShrinksLastSegment(t *testing.T) {
	q := newTestQueue(t, 64)
	first, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	first.wrotePosition = 64
	second, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	second.wrotePosition = 40

	require.NoError(t, q.truncateDirtyFiles(90))

	assert.EqualValues(t, 90, q.getMaxOffset())
	files := q.snapshot()
	require.Len(t, files, 2)
	assert.EqualValues(t, 26, files[1].wrotePosition)
}

func TestQueueLoadRecoversExistingSegments(t *testing.T) {
	dir := t.TempDir()
	q1 := newMappedFileQueue(dir, 128, nil, NewSilentLogger())
	require.NoError(t, q1.load())
	mf, err := q1.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	mf.wrotePosition = 50
	require.NoError(t, q1.close())

	q2 := newMappedFileQueue(dir, 128, nil, NewSilentLogger())
	require.NoError(t, q2.load())
	t.Cleanup(func() { _ = q2.close() })

	files := q2.snapshot()
	require.Len(t, files, 1)
	assert.EqualValues(t, 0, files[0].fileFromOffset)
}

func TestRollNextFileProperty(t *testing.T) {
	fileSize := int64(64)
	for _, offset := range []int64{0, 1, 63, 64, 65, 127, 128, 1000} {
		next := rollNextFile(offset, fileSize)
		assert.Zero(t, next%fileSize)
		assert.Greater(t, next, offset)
	}
}

func TestQueueMinOffsetFallsBackWhenFirstSegmentUnavailable(t *testing.T) {
	q := newTestQueue(t, 64)
	first, err := q.getLastMappedFileOrCreate(0)
	require.NoError(t, err)
	require.NoError(t, first.destroy())

	assert.EqualValues(t, 64, q.getMinOffset())
}
