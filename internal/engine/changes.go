package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

// Change is a durable mutation read back from the log.
type Change struct {
	Seq uint64
	Op  wal.Op
	ID  uint64
	// Vector and Metadata are set for inserts.
	Vector   bitvec.BitVector
	Metadata metadata.Document
}

// Changes streams durable mutations with Seq >= from in sequence order and
// keeps following new writes until ctx ends or the engine closes. from == 0
// starts at the oldest retained entry. A start that was already purged by a
// checkpoint yields ErrChangesTruncated.
func (e *Engine) Changes(ctx context.Context, from uint64) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		next := from
		for {
			if err := ctx.Err(); err != nil {
				return
			}
			if e.closed.Load() {
				yield(Change{}, ErrClosed)
				return
			}

			// Taken before reading so a sync during the read is not missed.
			notify := e.wal.Synced()

			for ent, err := range e.wal.Replay(next) {
				if err != nil {
					if errors.Is(err, wal.ErrTruncated) {
						err = fmt.Errorf("%w: %v", ErrChangesTruncated, err)
					}
					yield(Change{}, err)
					return
				}
				c, err := changeOf(ent)
				if !yield(c, err) || err != nil {
					return
				}
				next = ent.Seq + 1
			}

			select {
			case <-ctx.Done():
				return
			case <-e.closeCh:
				yield(Change{}, ErrClosed)
				return
			case <-notify:
			}
		}
	}
}

func changeOf(ent wal.Entry) (Change, error) {
	c := Change{Seq: ent.Seq, Op: ent.Op, ID: ent.RecordID}
	if ent.Op != wal.OpInsert {
		return c, nil
	}
	vec, meta, err := wal.DecodeInsert(ent.Payload)
	if err != nil {
		return Change{}, fmt.Errorf("seq %d: %w", ent.Seq, err)
	}
	doc, err := metadata.ParseDocument(meta)
	if err != nil {
		return Change{}, fmt.Errorf("%w: seq %d: %v", wal.ErrCorruptLog, ent.Seq, err)
	}
	c.Vector = vec.Clone()
	c.Metadata = doc
	return c, nil
}
