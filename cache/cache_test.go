package cache_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/luksan/leybold-opc/cache"
	"github.com/luksan/leybold-opc/plcsim"
)

func testFingerprint(blob []byte) cache.Fingerprint {
	return cache.Fingerprint{
		Ident:   "VACVISION V2.11 1999-11-03",
		SdbSize: uint32(len(blob)),
	}
}

func TestStoreLoadRoundtrip(t *testing.T) {
	blob := plcsim.StandardBlob()
	fp := testFingerprint(blob)
	store := cache.NewStore(t.TempDir())

	if err := store.Store(fp, blob); err != nil {
		t.Fatalf("Store: %v", err)
	}
	schema, got, err := store.Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(blob) {
		t.Error("loaded blob differs from stored blob")
	}
	if schema.NumParameters() != 6 {
		t.Errorf("schema has %d parameters, want 6", schema.NumParameters())
	}
}

func TestLoadMissing(t *testing.T) {
	store := cache.NewStore(t.TempDir())
	_, _, err := store.Load(testFingerprint(nil))
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
}

// A cached entry for a different firmware must act like a miss, never like
// a hit with stale data.
func TestLoadFingerprintMismatch(t *testing.T) {
	blob := plcsim.StandardBlob()
	fp := testFingerprint(blob)
	dir := t.TempDir()
	store := cache.NewStore(dir)
	if err := store.Store(fp, blob); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Rename the file so a different fingerprint resolves to it.
	other := cache.Fingerprint{Ident: "VACVISION V3.00", SdbSize: fp.SdbSize}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir: %v, %d entries", err, len(entries))
	}
	src := filepath.Join(dir, entries[0].Name())
	dst := filepath.Join(dir, entryName(t, dir, other))
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	_, _, err = store.Load(other)
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound for mismatched entry", err)
	}
}

// entryName learns the file name the store uses for fp by writing a probe
// entry in a scratch directory.
func entryName(t *testing.T, dir string, fp cache.Fingerprint) string {
	t.Helper()
	scratch := t.TempDir()
	if err := cache.NewStore(scratch).Store(fp, plcsim.StandardBlob()); err != nil {
		t.Fatalf("probe Store: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil || len(entries) != 1 {
		t.Fatalf("probe ReadDir: %v, %d entries", err, len(entries))
	}
	return entries[0].Name()
}

func TestLoadCorruptEntry(t *testing.T) {
	blob := plcsim.StandardBlob()
	fp := testFingerprint(blob)
	dir := t.TempDir()
	store := cache.NewStore(dir)
	if err := store.Store(fp, blob); err != nil {
		t.Fatalf("Store: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir: %v, %d entries", err, len(entries))
	}
	path := filepath.Join(dir, entries[0].Name())

	t.Run("flipped blob byte", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		data[len(data)-1] ^= 0xFF
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_, _, err = store.Load(fp)
		if !errors.Is(err, cache.ErrCorrupt) {
			t.Fatalf("Load error = %v, want ErrCorrupt", err)
		}
	})

	t.Run("truncated file", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("LS"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_, _, err := store.Load(fp)
		if !errors.Is(err, cache.ErrCorrupt) {
			t.Fatalf("Load error = %v, want ErrCorrupt", err)
		}
	})
}

func TestStoreReplacesEntry(t *testing.T) {
	blob := plcsim.StandardBlob()
	fp := testFingerprint(blob)
	store := cache.NewStore(t.TempDir())

	if err := store.Store(fp, blob); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if err := store.Store(fp, blob); err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if _, _, err := store.Load(fp); err != nil {
		t.Fatalf("Load after replace: %v", err)
	}
}

func TestStoreCreatesDirectory(t *testing.T) {
	blob := plcsim.StandardBlob()
	dir := filepath.Join(t.TempDir(), "nested", "sdb-cache")
	if err := cache.NewStore(dir).Store(testFingerprint(blob), blob); err != nil {
		t.Fatalf("Store into missing directory: %v", err)
	}
}
