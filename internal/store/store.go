// Package store is the durable, crash-safe persistence layer. Records are
// grouped in named collections and written in all-or-nothing batches.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/orrn/posqueue/internal/codec"
)

var ErrNotFound = errors.New("record not found")

// Collection names shared by the pipeline.
const (
	CollectionSyncQueue      = "syncQueue"
	CollectionPrintJobs      = "printJobs"
	CollectionPrintFailures  = "printFailures"
	CollectionDeviceIdentity = "deviceIdentity"
	CollectionMeta           = "meta"
)

// Op is one write inside a batch. A nil Value with Delete set removes the key.
type Op struct {
	Collection string
	Key        string
	Value      []byte
	Delete     bool
}

// Backend persists raw bytes. Commit must apply every op or none.
type Backend interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Keys(ctx context.Context, collection string) ([]string, error)
	Commit(ctx context.Context, ops []Op) error
	Close() error
}

// Store encodes values with a codec on top of a Backend.
type Store struct {
	backend Backend
	codec   codec.Codec
}

func New(backend Backend, c codec.Codec) *Store {
	if c == nil {
		c = codec.JSON{}
	}
	return &Store{backend: backend, codec: c}
}

// Get decodes the record at (collection, key) into v.
func (s *Store) Get(ctx context.Context, collection, key string, v any) error {
	data, err := s.backend.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if err := s.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

// Keys lists the keys of a collection in ascending order.
func (s *Store) Keys(ctx context.Context, collection string) ([]string, error) {
	return s.backend.Keys(ctx, collection)
}

// Update runs fn against a fresh batch and commits it if fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(b *Batch) error) error {
	b := &Batch{codec: s.codec}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.ops) == 0 {
		return nil
	}
	if err := s.backend.Commit(ctx, b.ops); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Put is a single-record Update.
func (s *Store) Put(ctx context.Context, collection, key string, v any) error {
	return s.Update(ctx, func(b *Batch) error {
		return b.Put(collection, key, v)
	})
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) Codec() codec.Codec { return s.codec }

// Batch accumulates writes for one Update.
type Batch struct {
	codec codec.Codec
	ops   []Op
}

func (b *Batch) Put(collection, key string, v any) error {
	data, err := b.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	b.ops = append(b.ops, Op{Collection: collection, Key: key, Value: data})
	return nil
}

func (b *Batch) Delete(collection, key string) {
	b.ops = append(b.ops, Op{Collection: collection, Key: key, Delete: true})
}

func (b *Batch) Len() int { return len(b.ops) }
