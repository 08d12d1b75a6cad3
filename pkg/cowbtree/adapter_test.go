// pkg/cowbtree/adapter_test.go
package cowbtree

import (
	"bytes"
	"testing"

	"turepoch/pkg/epochsys"
)

func TestPersistentCowBTreeCreateInsertCheckpoint(t *testing.T) {
	store := epochsys.NewMemChunkStore(0)

	pt, err := CreatePersistent(store)
	if err != nil {
		t.Fatalf("CreatePersistent failed: %v", err)
	}
	defer pt.Close()

	if err := pt.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if !pt.IsDirty() {
		t.Error("expected tree to be dirty after Insert")
	}

	if err := pt.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if pt.IsDirty() {
		t.Error("expected tree to be clean after Checkpoint")
	}

	got, err := pt.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("got %q, want %q", got, "v1")
	}
}

func TestPersistentCowBTreeReopenAfterCheckpoint(t *testing.T) {
	store := epochsys.NewMemChunkStore(0)

	pt, err := CreatePersistent(store)
	if err != nil {
		t.Fatalf("CreatePersistent failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := []byte{byte(i)}
		value := []byte{byte(i), byte(i)}
		if err := pt.Insert(key, value); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	if err := pt.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	chunkID := pt.ChunkID()
	if err := pt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenPersistent(store, chunkID)
	if err != nil {
		t.Fatalf("OpenPersistent failed: %v", err)
	}
	defer reopened.Close()

	if reopened.KeyCount() != 50 {
		t.Errorf("expected 50 keys after reopen, got %d", reopened.KeyCount())
	}
	for i := 0; i < 50; i++ {
		key := []byte{byte(i)}
		want := []byte{byte(i), byte(i)}
		got, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("key %d: got %q, want %q", i, got, want)
		}
	}
}

func TestPersistentCowBTreeCheckpointGrowsChunk(t *testing.T) {
	store := epochsys.NewMemChunkStore(0)

	pt, err := CreatePersistent(store)
	if err != nil {
		t.Fatalf("CreatePersistent failed: %v", err)
	}
	defer pt.Close()

	firstID := pt.ChunkID()

	big := make([]byte, 4096)
	if err := pt.Insert([]byte("big"), big); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := pt.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	if pt.ChunkID() == firstID {
		t.Error("expected a fresh, larger chunk after a checkpoint that grew the snapshot")
	}

	if _, err := store.Bytes(firstID); err == nil {
		t.Error("expected the old chunk to have been freed")
	}
}
