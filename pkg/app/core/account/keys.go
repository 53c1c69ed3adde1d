package account

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes
const (
	prefixAccount = "acc:" // Account state
)

// accountKey returns "acc:{address}".
func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// ("acc:" -> "acc;").
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// accountKeyFromBytes is the inverse of accountKey.
func accountKeyFromBytes(key []byte) (common.Address, error) {
	if len(key) < len(prefixAccount)+42 { // 42 = "0x" + 40 hex chars
		return common.Address{}, fmt.Errorf("invalid account key length: %d", len(key))
	}
	addrHex := string(key[len(prefixAccount):])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}
