// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestPeerStorageDisk(t *testing.T) {
	dir, err := ioutil.TempDir("", "peerstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewPeerStorageDisk(filepath.Join(dir, "peers.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	addr := "127.0.0.1:17298"

	// a new address is newly added, a duplicate isn't
	ok, err := store.Store(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Expected a new address to be newly added")
	}
	ok, err = store.Store(addr)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Expected a duplicate address to not be newly added")
	}

	// a never-attempted peer is eligible for connection
	addrs, err := store.Get(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("Expected to get back %s, found %v", addr, addrs)
	}

	// deleting removes it
	if err := store.Delete(addr); err != nil {
		t.Fatal(err)
	}
	addrs, err = store.Get(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 0 {
		t.Fatalf("Expected no peers after delete, found %v", addrs)
	}
	ok, err = store.Store(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Expected a deleted address to be newly added again")
	}

	// a failure with no prior success deletes the peer
	if err := store.OnConnectAttempt(addr); err != nil {
		t.Fatal(err)
	}
	if err := store.OnConnectFailure(addr); err != nil {
		t.Fatal(err)
	}
	addrs, err = store.Get(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 0 {
		t.Fatalf("Expected the failed peer to be deleted, found %v", addrs)
	}
}
