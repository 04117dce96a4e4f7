// Package banlist maintains a persistent endpoint deny list for server
// admission control.
//
// Bans are keyed by remote IP address (not port — clients reconnect from
// ephemeral ports) and stored in a local bbolt database so they survive
// server restarts. The admission path consults the list before any
// connection state is allocated.
package banlist

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketBans = []byte("bans")

// List is a persistent set of banned addresses.
type List struct {
	db *bolt.DB
}

// Open opens (or creates) the ban database in dir.
func Open(dir string) (*List, error) {
	db, err := bolt.Open(filepath.Join(dir, "banlist.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("banlist: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBans)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("banlist: init: %w", err)
	}
	return &List{db: db}, nil
}

// Close closes the underlying database.
func (l *List) Close() error {
	return l.db.Close()
}

// Ban records addr with a reason shown in server logs.
func (l *List) Ban(addr netip.Addr, reason string) error {
	key, err := addr.MarshalBinary()
	if err != nil {
		return fmt.Errorf("banlist: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Put(key, []byte(reason))
	})
}

// Unban removes addr from the list. Removing an absent address is a no-op.
func (l *List) Unban(addr netip.Addr) error {
	key, err := addr.MarshalBinary()
	if err != nil {
		return fmt.Errorf("banlist: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Delete(key)
	})
}

// Banned reports whether addr is banned, with the recorded reason.
func (l *List) Banned(addr netip.Addr) (bool, string) {
	key, err := addr.MarshalBinary()
	if err != nil {
		return false, ""
	}
	var reason []byte
	banned := false
	l.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		if v := tx.Bucket(bucketBans).Get(key); v != nil {
			banned = true
			reason = append(reason, v...)
		}
		return nil
	})
	return banned, string(reason)
}

// All returns every banned address.
func (l *List) All() ([]netip.Addr, error) {
	var out []netip.Addr
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).ForEach(func(k, _ []byte) error {
			var a netip.Addr
			if err := a.UnmarshalBinary(k); err != nil {
				return errors.New("banlist: corrupt key")
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}
