package lx

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"
)

// Key layout. Numeric ids are big-endian so prefix iteration is ordered.
var (
	pairPrefix     = []byte("pair/")
	feederPrefix   = []byte("feeder/")
	tokenPrefix    = []byte("token/")
	walletPrefix   = []byte("wallet/")
	poolPrefix     = []byte("pool/")
	positionPrefix = []byte("pos/")
	orderPrefix    = []byte("ord/")
	fundingPrefix  = []byte("fund/")
	registryPrefix = []byte("reg/")
)

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func key(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func pairKey(id PairID) []byte { return key(pairPrefix, be64(uint64(id))) }
func feederKey(a Account) []byte { return key(feederPrefix, []byte(a)) }
func tokenKey(symbol string) []byte { return key(tokenPrefix, []byte(symbol)) }
func poolKey(symbol string) []byte { return key(poolPrefix, []byte(symbol)) }
func positionKey(id uint64) []byte { return key(positionPrefix, be64(id)) }
func orderKey(id uint64) []byte { return key(orderPrefix, be64(id)) }
func fundingKey(pair PairID) []byte { return key(fundingPrefix, be64(uint64(pair))) }
func walletKey(symbol string, a Account) []byte {
	return key(walletPrefix, []byte(symbol), []byte{0}, []byte(a))
}

// getJSON decodes the value at k into v. It returns database.ErrNotFound
// unwrapped so callers can map it to their own error.
func getJSON(db database.Database, k []byte, v interface{}) error {
	raw, err := db.Get(k)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", k, err)
	}
	return nil
}

func putJSON(db database.Database, k []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", k, err)
	}
	return db.Put(k, raw)
}

func notFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// iterateJSON decodes every value under prefix in key order.
func iterateJSON[T any](db database.Database, prefix []byte) ([]*T, error) {
	it := db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	var out []*T
	for it.Next() {
		v := new(T)
		if err := json.Unmarshal(it.Value(), v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", it.Key(), err)
		}
		out = append(out, v)
	}
	return out, it.Error()
}
