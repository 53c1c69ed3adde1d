package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
)

var ErrChainBroken = errors.New("audit chain broken")

// AuditRecord is one persisted event linked to its predecessor:
// Hash = keccak256(Prev || json(Event)).
type AuditRecord struct {
	Event engine.Event `json:"event"`
	Prev  common.Hash  `json:"prev"`
	Hash  common.Hash  `json:"hash"`
}

type Head struct {
	Seq  uint64      `json:"seq"`
	Hash common.Hash `json:"hash"`
}

// State is what the journal holds for engine.Restore.
type State struct {
	Orders      []engine.Order
	Settings    engine.Settings
	HasSettings bool
	NextOrderID uint64
	LastSeq     uint64
}

// Journal is the durable audit log. It implements engine.Recorder: each
// committed operation's events and changed orders land in one synced batch.
type Journal struct {
	mu   sync.Mutex
	db   *pebble.DB
	head Head
	log  *zap.Logger
}

func OpenJournal(path string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	j := &Journal{db: db, log: log.Named("journal")}

	val, closer, err := db.Get(keyHead)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to read journal head: %w", err)
	default:
		err = json.Unmarshal(val, &j.head)
		closer.Close()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("corrupt journal head: %w", err)
		}
	}

	j.log.Info("journal opened", zap.String("path", path), zap.Uint64("head_seq", j.head.Seq))
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Head() Head {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

func chainHash(prev common.Hash, event []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(prev[:])
	h.Write(event)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Record appends the operation's events to the chain and stores the latest
// version of every order it touched.
func (j *Journal) Record(rec engine.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	b := j.db.NewBatch()
	defer b.Close()

	head := j.head
	for _, ev := range rec.Events {
		if ev.Seq != head.Seq+1 {
			return fmt.Errorf("%w: event seq %d after head %d", ErrChainBroken, ev.Seq, head.Seq)
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		ar := AuditRecord{Event: ev, Prev: head.Hash, Hash: chainHash(head.Hash, raw)}
		val, err := json.Marshal(ar)
		if err != nil {
			return fmt.Errorf("encode audit record %d: %w", ev.Seq, err)
		}
		if err := b.Set(eventKey(ev.Seq), val, nil); err != nil {
			return err
		}
		head = Head{Seq: ev.Seq, Hash: ar.Hash}
	}

	for i := range rec.Orders {
		val, err := encodeGob(&rec.Orders[i])
		if err != nil {
			return fmt.Errorf("encode order %d: %w", rec.Orders[i].ID, err)
		}
		if err := b.Set(orderKey(rec.Orders[i].ID), val, nil); err != nil {
			return err
		}
	}

	settings, err := encodeGob(&rec.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := b.Set(keySettings, settings, nil); err != nil {
		return err
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], rec.NextOrderID)
	if err := b.Set(keyNextID, next[:], nil); err != nil {
		return err
	}
	headVal, err := json.Marshal(head)
	if err != nil {
		return err
	}
	if err := b.Set(keyHead, headVal, nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit journal batch: %w", err)
	}
	j.head = head
	return nil
}

// Records returns up to limit audit records with seq >= from, oldest first.
func (j *Journal) Records(from uint64, limit int) ([]AuditRecord, error) {
	prefix := []byte(prefixEvent)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []AuditRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) == limit {
			break
		}
		var ar AuditRecord
		if err := json.Unmarshal(iter.Value(), &ar); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, ar)
	}
	return out, iter.Error()
}

// Verify recomputes the hash chain from the first record to the head.
func (j *Journal) Verify() error {
	head := j.Head()
	prev := common.Hash{}
	var seq uint64

	recs, err := j.Records(0, 0)
	if err != nil {
		return err
	}
	for _, ar := range recs {
		if ar.Event.Seq != seq+1 {
			return fmt.Errorf("%w: gap before seq %d", ErrChainBroken, ar.Event.Seq)
		}
		if ar.Prev != prev {
			return fmt.Errorf("%w: record %d does not link to %d", ErrChainBroken, ar.Event.Seq, seq)
		}
		raw, err := json.Marshal(ar.Event)
		if err != nil {
			return err
		}
		if chainHash(prev, raw) != ar.Hash {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, ar.Event.Seq)
		}
		prev, seq = ar.Hash, ar.Event.Seq
	}
	if seq != head.Seq || prev != head.Hash {
		return fmt.Errorf("%w: head %d does not match last record %d", ErrChainBroken, head.Seq, seq)
	}
	return nil
}

// LoadState reads every stored order and the engine metadata.
func (j *Journal) LoadState() (State, error) {
	st := State{LastSeq: j.Head().Seq, NextOrderID: 1}

	prefix := []byte(prefixOrder)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return st, err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var o engine.Order
		if err := decodeGob(iter.Value(), &o); err != nil {
			iter.Close()
			return st, fmt.Errorf("decode order: %w", err)
		}
		st.Orders = append(st.Orders, o)
	}
	if err := iter.Close(); err != nil {
		return st, err
	}

	val, closer, err := j.db.Get(keySettings)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return st, err
	default:
		err = decodeGob(val, &st.Settings)
		closer.Close()
		if err != nil {
			return st, fmt.Errorf("decode settings: %w", err)
		}
		st.HasSettings = true
	}

	val, closer, err = j.db.Get(keyNextID)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return st, err
	default:
		if len(val) == 8 {
			st.NextOrderID = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	}
	return st, nil
}
