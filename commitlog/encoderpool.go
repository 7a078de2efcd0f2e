package commitlog

import (
	lru "github.com/hashicorp/golang-lru"
)

// encoderPool hands out a scratch MessageExtEncoder per writer identity.
// Go has no goroutine-local storage, so the pool keys on a caller-supplied
// writerID (typically a producer connection ID or goroutine tag) instead,
// bounded by an LRU so a churn of short-lived writers can't grow the pool
// without limit.
type encoderPool struct {
	cache             *lru.Cache
	maxMessageSize    int32
	maxPropertiesSize int32
}

// newEncoderPool builds a pool capped at size entries.
func newEncoderPool(size int, maxMessageSize, maxPropertiesSize int32) (*encoderPool, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &encoderPool{cache: c, maxMessageSize: maxMessageSize, maxPropertiesSize: maxPropertiesSize}, nil
}

// get returns the encoder for writerID, creating one on first use. The
// returned encoder must only be used by the caller holding the commit log's
// put lock; the pool itself only arbitrates ownership of the slot, not
// concurrent access to one encoder.
func (p *encoderPool) get(writerID string) *MessageExtEncoder {
	if v, ok := p.cache.Get(writerID); ok {
		return v.(*MessageExtEncoder)
	}
	enc := NewMessageExtEncoder(p.maxMessageSize, p.maxPropertiesSize)
	p.cache.Add(writerID, enc)
	return enc
}

// Len reports how many writer encoders are currently pooled.
func (p *encoderPool) Len() int { return p.cache.Len() }
