package lx

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/database"
)

// Registry is an arena of owned ids with an owner index. Ids start at 1 and
// are never reused.
type Registry struct {
	db   database.Database
	name string
}

// NewRegistry creates a registry whose keys are namespaced by name.
func NewRegistry(db database.Database, name string) *Registry {
	return &Registry{db: db, name: name}
}

func (r *Registry) nextKey() []byte {
	return key(registryPrefix, []byte(r.name), []byte("/next"))
}

func (r *Registry) ownerKey(id uint64) []byte {
	return key(registryPrefix, []byte(r.name), []byte("/owner/"), be64(id))
}

func (r *Registry) indexPrefix(owner Account) []byte {
	return key(registryPrefix, []byte(r.name), []byte("/idx/"), []byte(owner), []byte{0})
}

func (r *Registry) indexKey(owner Account, id uint64) []byte {
	return key(r.indexPrefix(owner), be64(id))
}

// Mint assigns a fresh id to owner.
func (r *Registry) Mint(owner Account) (uint64, error) {
	if err := owner.Validate(); err != nil {
		return 0, err
	}
	var next uint64 = 1
	raw, err := r.db.Get(r.nextKey())
	switch {
	case err == nil:
		next = binary.BigEndian.Uint64(raw)
	case !notFound(err):
		return 0, err
	}
	if err := r.db.Put(r.nextKey(), be64(next+1)); err != nil {
		return 0, err
	}
	if err := r.db.Put(r.ownerKey(next), []byte(owner)); err != nil {
		return 0, err
	}
	return next, r.db.Put(r.indexKey(owner, next), []byte{1})
}

// OwnerOf returns the owner of id.
func (r *Registry) OwnerOf(id uint64) (Account, error) {
	raw, err := r.db.Get(r.ownerKey(id))
	if err != nil {
		if notFound(err) {
			return "", fmt.Errorf("%w: %s %d", ErrIDNotFound, r.name, id)
		}
		return "", err
	}
	return Account(raw), nil
}

// Burn removes id.
func (r *Registry) Burn(id uint64) error {
	owner, err := r.OwnerOf(id)
	if err != nil {
		return err
	}
	if err := r.db.Delete(r.ownerKey(id)); err != nil {
		return err
	}
	return r.db.Delete(r.indexKey(owner, id))
}

// Transfer moves id from its owner to another account.
func (r *Registry) Transfer(caller Account, id uint64, to Account) error {
	owner, err := r.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != caller {
		return fmt.Errorf("%w: %s %d", ErrNotOwner, r.name, id)
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if err := r.db.Delete(r.indexKey(owner, id)); err != nil {
		return err
	}
	if err := r.db.Put(r.ownerKey(id), []byte(to)); err != nil {
		return err
	}
	return r.db.Put(r.indexKey(to, id), []byte{1})
}

// Tokens returns owner's ids in ascending order.
func (r *Registry) Tokens(owner Account) ([]uint64, error) {
	prefix := r.indexPrefix(owner)
	it := r.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	var ids []uint64
	for it.Next() {
		ids = append(ids, binary.BigEndian.Uint64(it.Key()[len(prefix):]))
	}
	return ids, it.Error()
}

// BalanceOf returns how many ids owner holds.
func (r *Registry) BalanceOf(owner Account) (int, error) {
	ids, err := r.Tokens(owner)
	return len(ids), err
}

// TokenOfOwnerByIndex returns owner's i-th id.
func (r *Registry) TokenOfOwnerByIndex(owner Account, i int) (uint64, error) {
	ids, err := r.Tokens(owner)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(ids) {
		return 0, fmt.Errorf("%w: %s index %d of %d", ErrIDNotFound, r.name, i, len(ids))
	}
	return ids[i], nil
}
