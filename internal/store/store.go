package store

import (
	"context"
	"errors"
	"strconv"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrSchemaViolation = errors.New("schema violation")
	ErrUnavailable     = errors.New("store unavailable")
	ErrKeyNotLocked    = errors.New("key not locked by transaction")
)

type Table string

const (
	Items       Table = "items"
	Profiles    Table = "profiles"
	Sessions    Table = "sessions"
	Passwords   Table = "passwords"
	BannedSites Table = "banned-sites"
	BannedIPs   Table = "banned-ips"
	ScrubRules  Table = "scrub-rules"
	SiteConfig  Table = "site-config"
)

// Singleton keys for the one-record tables.
const (
	ScrubRulesKey = "rules"
	SiteConfigKey = "site"
)

// Key addresses one record.
type Key struct {
	Table Table
	ID    string
}

func ItemKey(id int64) Key        { return Key{Table: Items, ID: strconv.FormatInt(id, 10)} }
func ProfileKey(user string) Key  { return Key{Table: Profiles, ID: user} }
func PasswordKey(user string) Key { return Key{Table: Passwords, ID: user} }
func SessionKey(token string) Key { return Key{Table: Sessions, ID: token} }

// Reader is the read half of the store. Reads never block on writers.
type Reader interface {
	Get(ctx context.Context, table Table, id string, dest any) error
	Scan(ctx context.Context, table Table, fn func(id string, decode func(dest any) error) error) error
	Version() uint64
}

// Tx is handed to Update callbacks. Puts are validated immediately and
// committed together when the callback returns nil.
type Tx interface {
	Get(ctx context.Context, table Table, id string, dest any) error
	Put(table Table, id string, rec any) error
}

type Store interface {
	Reader
	// Put validates rec against the table schema and durably replaces the record.
	Put(ctx context.Context, table Table, id string, rec any) error
	// Update locks keys, runs fn and commits every Put atomically. Puts to
	// keys outside the locked set fail with ErrKeyNotLocked.
	Update(ctx context.Context, keys []Key, fn func(tx Tx) error) error
	// NextID allocates the next id of a monotonically increasing sequence.
	NextID(ctx context.Context, table Table) (int64, error)
	Close() error
}

// Load reads a record into a fresh T.
func Load[T any](ctx context.Context, r Reader, table Table, id string) (T, error) {
	var rec T
	err := r.Get(ctx, table, id, &rec)
	return rec, err
}

// LoadTx is Load inside an Update callback.
func LoadTx[T any](ctx context.Context, tx Tx, table Table, id string) (T, error) {
	var rec T
	err := tx.Get(ctx, table, id, &rec)
	return rec, err
}

// Mutate performs a read-modify-write of one record under its key lock.
// fn sees exists=false and a zero record when the key is absent.
func Mutate[T any](ctx context.Context, s Store, table Table, id string, fn func(rec *T, exists bool) error) error {
	return s.Update(ctx, []Key{{Table: table, ID: id}}, func(tx Tx) error {
		var rec T
		err := tx.Get(ctx, table, id, &rec)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := fn(&rec, err == nil); err != nil {
			return err
		}
		return tx.Put(table, id, &rec)
	})
}

// ScanAll decodes every record of a table.
func ScanAll[T any](ctx context.Context, r Reader, table Table) ([]T, error) {
	var out []T
	err := r.Scan(ctx, table, func(_ string, decode func(dest any) error) error {
		var rec T
		if err := decode(&rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}
