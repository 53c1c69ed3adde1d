package account

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientTokens    = errors.New("insufficient tokens")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNonceUsed             = errors.New("nonce already used")
	ErrZeroAddress           = errors.New("zero address")
)

// Manager is the custody ledger: native-currency and token balances, token
// allowances and request nonces for every address. State lives in memory and,
// when a Store is attached, every mutation is written through to Pebble.
type Manager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	store    *Store // nil keeps the ledger in memory only
	log      *zap.Logger
}

// NewManager builds a ledger. A nil store gives an in-memory ledger.
func NewManager(store *Store, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		accounts: make(map[common.Address]*Account),
		store:    store,
		log:      log,
	}
	if store != nil {
		accs, err := store.LoadAllAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		for _, acc := range accs {
			m.accounts[acc.Address] = acc
		}
		log.Info("ledger loaded", zap.Int("accounts", len(accs)))
	}
	return m, nil
}

// NewManagerWithPath opens a Pebble-backed ledger at dbPath.
func NewManagerWithPath(dbPath string, log *zap.Logger) (*Manager, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	m, err := NewManager(store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// stageLocked returns a private copy of the account, or a fresh empty one.
// Nothing is inserted until the caller publishes the copy. Assumes m.mu is held.
func (m *Manager) stageLocked(addr common.Address) *Account {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone()
	}
	return NewAccount(addr)
}

// persistLocked writes the given accounts in one batch. Assumes m.mu is held.
func (m *Manager) persistLocked(accs ...*Account) error {
	if m.store == nil {
		return nil
	}
	bw := m.store.NewBatch()
	defer bw.Close()
	for _, acc := range accs {
		if err := bw.SaveAccount(acc); err != nil {
			return fmt.Errorf("failed to stage account %s: %w", acc.Address.Hex(), err)
		}
	}
	if err := bw.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return nil
}

// mutate stages fn on a copy of addr's account and only publishes the copy
// once it has been persisted.
func (m *Manager) mutate(addr common.Address, fn func(acc *Account) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.stageLocked(addr)
	if err := fn(staged); err != nil {
		return err
	}
	if err := m.persistLocked(staged); err != nil {
		return err
	}
	m.accounts[addr] = staged
	return nil
}

// GetAccount returns a copy of the account (empty if unknown).
func (m *Manager) GetAccount(addr common.Address) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone()
	}
	return NewAccount(addr)
}

// Deposit credits native currency, e.g. from a bridge or faucet.
func (m *Manager) Deposit(addr common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("deposit: %w", ErrInvalidAmount)
	}
	return m.mutate(addr, func(acc *Account) error {
		if _, overflow := acc.Funds.AddOverflow(&acc.Funds, amount); overflow {
			return fmt.Errorf("deposit overflows balance of %s", addr.Hex())
		}
		return nil
	})
}

// Withdraw debits native currency.
func (m *Manager) Withdraw(addr common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("withdraw: %w", ErrInvalidAmount)
	}
	return m.mutate(addr, func(acc *Account) error {
		if acc.Funds.Lt(amount) {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.Funds.Dec(), amount.Dec())
		}
		acc.Funds.Sub(&acc.Funds, amount)
		return nil
	})
}

// MintTokens credits asset tokens to addr.
func (m *Manager) MintTokens(addr common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("mint: %w", ErrInvalidAmount)
	}
	return m.mutate(addr, func(acc *Account) error {
		if _, overflow := acc.Tokens.AddOverflow(&acc.Tokens, amount); overflow {
			return fmt.Errorf("mint overflows token balance of %s", addr.Hex())
		}
		return nil
	})
}

// Approve sets (not adds) the amount of tokens spender may pull from owner.
func (m *Manager) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("approve: %w", ErrZeroAddress)
	}
	return m.mutate(owner, func(acc *Account) error {
		if amount.IsZero() {
			delete(acc.Allowances, spender)
			return nil
		}
		acc.Allowances[spender] = amount.Clone()
		return nil
	})
}

// UseNonce consumes a signed-request nonce. Nonces must strictly increase.
func (m *Manager) UseNonce(addr common.Address, nonce uint64) error {
	return m.mutate(addr, func(acc *Account) error {
		if nonce <= acc.Nonce {
			return fmt.Errorf("%w: got %d, last %d", ErrNonceUsed, nonce, acc.Nonce)
		}
		acc.Nonce = nonce
		return nil
	})
}

func (m *Manager) FundBalance(addr common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[addr]; ok {
		return acc.Funds.Clone()
	}
	return new(uint256.Int)
}

func (m *Manager) TokenBalance(addr common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[addr]; ok {
		return acc.Tokens.Clone()
	}
	return new(uint256.Int)
}

func (m *Manager) Allowance(owner, spender common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[owner]; ok {
		return acc.Allowance(spender).Clone()
	}
	return new(uint256.Int)
}

// Apply executes a transfer set atomically. Legs run in order against staged
// copies; if any leg fails, or the batch cannot be persisted, no balance changes.
func (m *Manager) Apply(transfers []Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[common.Address]*Account)
	stage := func(addr common.Address) *Account {
		if acc, ok := staged[addr]; ok {
			return acc
		}
		acc := m.stageLocked(addr)
		staged[addr] = acc
		return acc
	}

	for i := range transfers {
		t := &transfers[i]
		if t.Amount.IsZero() {
			continue
		}
		from := stage(t.From)
		to := stage(t.To)

		if t.Spender != (common.Address{}) {
			allowance := from.Allowance(t.Spender)
			if allowance.Lt(&t.Amount) {
				return fmt.Errorf("leg %d: %w: %s allows %s %s, need %s",
					i, ErrInsufficientAllowance, t.From.Hex(), t.Spender.Hex(), allowance.Dec(), t.Amount.Dec())
			}
			from.Allowances[t.Spender] = new(uint256.Int).Sub(allowance, &t.Amount)
		}

		src := from.Balance(t.Asset)
		if src.Lt(&t.Amount) {
			sentinel := ErrInsufficientFunds
			if t.Asset == Tokens {
				sentinel = ErrInsufficientTokens
			}
			return fmt.Errorf("leg %d: %w: %s has %s, needs %s", i, sentinel, t.From.Hex(), src.Dec(), t.Amount.Dec())
		}
		src.Sub(src, &t.Amount)

		dst := to.Balance(t.Asset)
		if _, overflow := dst.AddOverflow(dst, &t.Amount); overflow {
			return fmt.Errorf("leg %d: %s balance of %s overflows", i, t.Asset, t.To.Hex())
		}
	}

	touched := make([]*Account, 0, len(staged))
	for _, acc := range staged {
		touched = append(touched, acc)
	}
	sort.Slice(touched, func(i, j int) bool {
		return touched[i].Address.Cmp(touched[j].Address) < 0
	})
	if err := m.persistLocked(touched...); err != nil {
		return err
	}
	for _, acc := range touched {
		m.accounts[acc.Address] = acc
	}

	m.log.Debug("transfer set applied", zap.Int("legs", len(transfers)), zap.Int("accounts", len(touched)))
	return nil
}

// ListAccounts returns copies of every known account ordered by address.
func (m *Manager) ListAccounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}
