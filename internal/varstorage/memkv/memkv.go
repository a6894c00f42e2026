// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package memkv implements varstorage.Backend purely in memory. It
// backs the volatile variable store and doubles as the default test
// double for the persistent store facade.
package memkv

import (
	"sync"

	"github.com/stormset/sp-uefi-variable/internal/varstorage"
)

type Store struct {
	mu   sync.Mutex
	data map[uint64][]byte
}

func New() *Store {
	return &Store{data: make(map[uint64][]byte)}
}

func (s *Store) Create(uid uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[uid]; ok {
		return errAlreadyExists
	}
	s.data[uid] = append([]byte(nil), data...)
	return nil
}

func (s *Store) Set(uid uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[uid]; !ok {
		return varstorage.ErrNotFound
	}
	s.data[uid] = append([]byte(nil), data...)
	return nil
}

func (s *Store) Get(uid uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[uid]
	if !ok {
		return nil, varstorage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Remove(uid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, uid)
	return nil
}

func (s *Store) Exists(uid uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[uid]
	return ok
}

type storeError string

func (e storeError) Error() string { return string(e) }

const errAlreadyExists = storeError("memkv: uid already exists")
