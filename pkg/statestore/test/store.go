// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package test holds a conformance suite every storage.StateStorer
// implementation is run against.
package test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethersphere/meshbee/pkg/storage"
)

const (
	key1 = "key1" // stores the serialized type
	key2 = "key2" // stores a json object
)

var value1 = &Serializing{value: "value1"}

type record struct {
	Balance  string `json:"balance"`
	Sequence uint64 `json:"sequence"`
}

var value2 = record{Balance: "-1000000000000000000000", Sequence: 42}

type Serializing struct {
	value           string
	marshalCalled   bool
	unmarshalCalled bool
}

func (st *Serializing) MarshalBinary() (data []byte, err error) {
	d := []byte(st.value)
	st.marshalCalled = true

	return d, nil
}

func (st *Serializing) UnmarshalBinary(data []byte) (err error) {
	st.value = string(data)
	st.unmarshalCalled = true
	return nil
}

// Run runs the suite against stores constructed by f.
func Run(t *testing.T, f func(t *testing.T) storage.StateStorer) {
	t.Helper()

	t.Run("put get", func(t *testing.T) { testPutGet(t, f(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, f(t)) })
	t.Run("iterate", func(t *testing.T) { testIterator(t, f(t)) })
}

func testPutGet(t *testing.T, store storage.StateStorer) {
	defer store.Close()

	if err := store.Put(key1, value1); err != nil {
		t.Fatal(err)
	}
	if !value1.marshalCalled {
		t.Fatal("binaryMarshaller not called on serialized type")
	}
	if err := store.Put(key2, value2); err != nil {
		t.Fatal(err)
	}

	v := &Serializing{}
	if err := store.Get(key1, v); err != nil {
		t.Fatal(err)
	}
	if !v.unmarshalCalled {
		t.Fatal("unmarshaler not called")
	}
	if v.value != value1.value {
		t.Fatalf("expected persisted to be %s but got %s", value1.value, v.value)
	}

	var r record
	if err := store.Get(key2, &r); err != nil {
		t.Fatal(err)
	}
	if r != value2 {
		t.Fatalf("got %+v, want %+v", r, value2)
	}

	if err := store.Get("missing", &r); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
	}
}

func testDelete(t *testing.T, store storage.StateStorer) {
	defer store.Close()

	if err := store.Put(key2, value2); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(key2); err != nil {
		t.Fatal(err)
	}
	var r record
	if err := store.Get(key2, &r); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, storage.ErrNotFound)
	}
}

func testIterator(t *testing.T, store storage.StateStorer) {
	defer store.Close()

	storePrefix := "debt_"
	for k, v := range map[string]string{
		storePrefix + "key1": "value1",
		"key2":               "value2", // not under the prefix
		storePrefix + "key3": "value3",
	} {
		if err := store.Put(k, v); err != nil {
			t.Fatal(err)
		}
	}

	entries := make(map[string]string)
	err := store.Iterate(storePrefix, func(key []byte, value []byte) (stop bool, err error) {
		var entry string
		if err := json.Unmarshal(value, &entry); err != nil {
			return true, err
		}
		entries[string(key)] = entry
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		storePrefix + "key1": "value1",
		storePrefix + "key3": "value3",
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for k, v := range want {
		if entries[k] != v {
			t.Fatalf("entry %s: got %q, want %q", k, entries[k], v)
		}
	}

	var visited int
	err = store.Iterate(storePrefix, func(key []byte, value []byte) (stop bool, err error) {
		visited++
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if visited != 1 {
		t.Fatalf("iteration did not stop, visited %d entries", visited)
	}
}
