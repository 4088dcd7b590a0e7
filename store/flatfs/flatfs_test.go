package flatfs

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"difs/store"
)

func createTestBlock(t *testing.T, size int) *store.Block {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	return store.NewBlock(data)
}

func TestPutGetRoundTrip(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	b := createTestBlock(t, 4096)
	if _, err := fs.Put(b); err != nil {
		t.Fatal(err)
	}

	got, err := fs.Get(&b.Oid)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Oid.Equal(&b.Oid) {
		t.Fatalf("oids do not match: %s != %s", got.Oid.String(), b.Oid.String())
	}
	if got.Length != b.Length || !bytes.Equal(got.Data, b.Data) {
		t.Fatal("stored block does not match")
	}
}

func TestGetMissing(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	b := createTestBlock(t, 16)
	if _, err := fs.Get(&b.Oid); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	has, err := fs.Has(&b.Oid)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("Has reported a block that was never stored")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	b := createTestBlock(t, 128)
	if _, err := fs.Put(b); err != nil {
		t.Fatal(err)
	}
	if err := fs.Delete(&b.Oid); err != nil {
		t.Fatal(err)
	}
	if err := fs.Delete(&b.Oid); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if has, _ := fs.Has(&b.Oid); has {
		t.Fatal("block still present after delete")
	}
}

func TestEnumerateSkipsStrays(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	want := make(map[string]bool)
	for i := 0; i < 5; i++ {
		b := createTestBlock(t, 64+i)
		if _, err := fs.Put(b); err != nil {
			t.Fatal(err)
		}
		want[b.Oid.String()] = true
	}
	if err := os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	oids, err := fs.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(oids) != len(want) {
		t.Fatalf("want %d blocks, got %d", len(want), len(oids))
	}
	for _, o := range oids {
		if !want[o.String()] {
			t.Fatalf("unexpected OID %s", o.String())
		}
	}
}
