// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package boltkv implements varstorage.Backend on top of BoltDB
// (go.etcd.io/bbolt), giving the persistent store facade a real durable
// backend to reconcile A/B index state against: one top-level bucket
// per store, holding a flat UID-keyed key/value body.
package boltkv

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/stormset/sp-uefi-variable/internal/varstorage"
)

var bucketName = []byte("variables")

// Store is a varstorage.Backend backed by a single BoltDB file. All
// objects for one Facade live in one bucket, keyed by the UID encoded
// as an 8-byte big-endian key, matching BoltDB's own
// lexicographically-ordered key convention.
type Store struct {
	db *bolt.DB
}

// Open creates/opens the BoltDB file at path and ensures the variables
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkv: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltkv: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func keyOf(uid uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uid)
	return k
}

func (s *Store) Create(uid uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(keyOf(uid)) != nil {
			return fmt.Errorf("boltkv: uid %d already exists", uid)
		}
		return b.Put(keyOf(uid), data)
	})
}

func (s *Store) Set(uid uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(keyOf(uid)) == nil {
			return varstorage.ErrNotFound
		}
		return b.Put(keyOf(uid), data)
	})
}

func (s *Store) Get(uid uint64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyOf(uid))
		if v == nil {
			return varstorage.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Remove(uid uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(keyOf(uid))
	})
}

func (s *Store) Exists(uid uint64) bool {
	var exists bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketName).Get(keyOf(uid)) != nil
		return nil
	})
	return exists
}
