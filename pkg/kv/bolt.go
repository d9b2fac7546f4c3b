// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	keysBucket   = []byte("keys")
	hashesBucket = []byte("hashes")
	expiryBucket = []byte("hash_expiry")
)

// Bolt is a Store persisted in a bbolt file. Values are stored with an
// eight byte expiry prefix; hashes live in nested buckets.
type Bolt struct {
	db *bolt.DB

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{keysBucket, hashesBucket, expiryBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, Now: time.Now}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	if !t.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	}
	return buf
}

func decodeTime(buf []byte) time.Time {
	if len(buf) < 8 {
		return time.Time{}
	}
	n := binary.BigEndian.Uint64(buf[:8])
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

func (b *Bolt) Get(_ context.Context, key string) (val []byte, ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(keysBucket).Get([]byte(key))
		if raw == nil || expired(decodeTime(raw), b.Now()) {
			return nil
		}
		val, ok = append([]byte(nil), raw[8:]...), true
		return nil
	})
	return val, ok, err
}

func (b *Bolt) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		raw := append(encodeTime(expiry(b.Now(), ttl)), val...)
		return tx.Bucket(keysBucket).Put([]byte(key), raw)
	})
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(keysBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return b.dropHash(tx, key)
	})
}

func (b *Bolt) dropHash(tx *bolt.Tx, key string) error {
	hb := tx.Bucket(hashesBucket)
	if hb.Bucket([]byte(key)) != nil {
		if err := hb.DeleteBucket([]byte(key)); err != nil {
			return err
		}
	}
	return tx.Bucket(expiryBucket).Delete([]byte(key))
}

// liveHash returns the nested bucket of key, dropping it first when expired.
func (b *Bolt) liveHash(tx *bolt.Tx, key string) (*bolt.Bucket, error) {
	if at := decodeTime(tx.Bucket(expiryBucket).Get([]byte(key))); expired(at, b.Now()) {
		if err := b.dropHash(tx, key); err != nil {
			return nil, err
		}
	}
	return tx.Bucket(hashesBucket).CreateBucketIfNotExists([]byte(key))
}

func (b *Bolt) HIncrBy(_ context.Context, key, field string, delta int64) (n int64, err error) {
	err = b.db.Update(func(tx *bolt.Tx) error {
		hb, err := b.liveHash(tx, key)
		if err != nil {
			return err
		}
		if raw := hb.Get([]byte(field)); len(raw) == 8 {
			n = int64(binary.BigEndian.Uint64(raw))
		}
		n += delta
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return hb.Put([]byte(field), buf)
	})
	return n, err
}

func (b *Bolt) HGetAll(_ context.Context, key string) (map[string]int64, error) {
	out := make(map[string]int64)
	err := b.db.View(func(tx *bolt.Tx) error {
		if expired(decodeTime(tx.Bucket(expiryBucket).Get([]byte(key))), b.Now()) {
			return nil
		}
		hb := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if hb == nil {
			return nil
		}
		return hb.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = int64(binary.BigEndian.Uint64(v))
			}
			return nil
		})
	})
	return out, err
}

func (b *Bolt) HDel(_ context.Context, key, field string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		hb := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if hb == nil {
			return nil
		}
		return hb.Delete([]byte(field))
	})
}

func (b *Bolt) Expire(_ context.Context, key string, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		at := expiry(b.Now(), ttl)
		kb := tx.Bucket(keysBucket)
		if raw := kb.Get([]byte(key)); raw != nil {
			updated := append(encodeTime(at), raw[8:]...)
			if err := kb.Put([]byte(key), updated); err != nil {
				return err
			}
		}
		if tx.Bucket(hashesBucket).Bucket([]byte(key)) != nil {
			return tx.Bucket(expiryBucket).Put([]byte(key), encodeTime(at))
		}
		return nil
	})
}
