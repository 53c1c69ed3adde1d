package account

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store persists ledger accounts in Pebble. Callers serialize access through Manager.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// accountRecord is the on-disk form. Amounts are decimal strings.
type accountRecord struct {
	Address    common.Address    `json:"address"`
	Nonce      uint64            `json:"nonce"`
	Funds      string            `json:"funds"`
	Tokens     string            `json:"tokens"`
	Allowances map[string]string `json:"allowances,omitempty"`
}

func encodeAccount(acc *Account) ([]byte, error) {
	rec := accountRecord{
		Address: acc.Address,
		Nonce:   acc.Nonce,
		Funds:   acc.Funds.Dec(),
		Tokens:  acc.Tokens.Dec(),
	}
	if len(acc.Allowances) > 0 {
		rec.Allowances = make(map[string]string, len(acc.Allowances))
		for spender, amt := range acc.Allowances {
			rec.Allowances[spender.Hex()] = amt.Dec()
		}
	}
	return json.Marshal(rec)
}

func decodeAccount(data []byte) (*Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	acc := NewAccount(rec.Address)
	acc.Nonce = rec.Nonce
	if err := acc.Funds.SetFromDecimal(rec.Funds); err != nil {
		return nil, fmt.Errorf("account %s funds: %w", rec.Address.Hex(), err)
	}
	if err := acc.Tokens.SetFromDecimal(rec.Tokens); err != nil {
		return nil, fmt.Errorf("account %s tokens: %w", rec.Address.Hex(), err)
	}
	for spender, amt := range rec.Allowances {
		v, err := uint256.FromDecimal(amt)
		if err != nil {
			return nil, fmt.Errorf("account %s allowance: %w", rec.Address.Hex(), err)
		}
		acc.Allowances[common.HexToAddress(spender)] = v
	}
	return acc, nil
}

func (s *Store) SaveAccount(acc *Account) error {
	data, err := encodeAccount(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	if err := s.db.Set(accountKey(acc.Address), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount returns nil, nil when the address has never been written.
func (s *Store) LoadAccount(addr common.Address) (*Account, error) {
	data, closer, err := s.db.Get(accountKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	return decodeAccount(data)
}

// LoadAllAccounts scans every persisted account.
func (s *Store) LoadAllAccounts() ([]*Account, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open account iterator: %w", err)
	}
	defer iter.Close()

	var out []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		if _, err := accountKeyFromBytes(iter.Key()); err != nil {
			return nil, err
		}
		acc, err := decodeAccount(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, iter.Error()
}

// BatchWrite stages account writes for one atomic commit.
type BatchWrite struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

func (bw *BatchWrite) SaveAccount(acc *Account) error {
	data, err := encodeAccount(acc)
	if err != nil {
		return err
	}
	return bw.batch.Set(accountKey(acc.Address), data, nil)
}

func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
