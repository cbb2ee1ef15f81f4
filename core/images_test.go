package core

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestImageStore(t *testing.T) *ImageStore {
	t.Helper()
	root := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	store, err := NewImageStore(filepath.Join(root, "images"), filepath.Join(root, "tmp"), 16, logger)
	if err != nil {
		t.Fatalf("NewImageStore: %v", err)
	}
	return store
}

func TestImageStoreStageCommitGetRoundTrip(t *testing.T) {
	store := newTestImageStore(t)
	data := []byte("a profile picture, in bytes")
	sum := sha256.Sum256(data)
	hash := sum[:]

	if err := store.Stage(hash, data); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := store.Get(hash); err == nil {
		t.Fatalf("expected staged-but-uncommitted image to be unreadable via Get")
	}
	if err := store.Commit(hash); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("get after commit: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestImageStoreStageRejectsHashMismatch(t *testing.T) {
	store := newTestImageStore(t)
	data := []byte("some bytes")
	var wrongHash [32]byte
	wrongHash[0] = 0xFF
	if err := store.Stage(wrongHash[:], data); err != ErrImageHashMismatch {
		t.Fatalf("expected ErrImageHashMismatch, got %v", err)
	}
}

func TestImageStoreCommitWithoutStageFails(t *testing.T) {
	store := newTestImageStore(t)
	var hash [32]byte
	if err := store.Commit(hash[:]); err == nil {
		t.Fatalf("expected commit of never-staged hash to fail")
	}
}

func TestImageStoreDiscardRemovesStagedFile(t *testing.T) {
	store := newTestImageStore(t)
	data := []byte("discard me")
	sum := sha256.Sum256(data)
	hash := sum[:]

	if err := store.Stage(hash, data); err != nil {
		t.Fatalf("stage: %v", err)
	}
	store.Discard(hash)
	if err := store.Commit(hash); err == nil {
		t.Fatalf("expected commit after discard to fail")
	}
}

func TestImageStorePathUsesUppercasePrefixDirs(t *testing.T) {
	data := []byte("layout check")
	sum := sha256.Sum256(data)
	hexHash := hex.EncodeToString(sum[:])

	path, err := pathForHash("/images", hexHash)
	if err != nil {
		t.Fatalf("pathForHash: %v", err)
	}
	wantB0, wantB1 := hexHash[0:2], hexHash[2:4]
	gotB1 := filepath.Base(filepath.Dir(path))
	gotB0 := filepath.Base(filepath.Dir(filepath.Dir(path)))
	if gotB0 != upper(wantB0) || gotB1 != upper(wantB1) {
		t.Fatalf("expected uppercase hex prefix dirs %s/%s, got %s/%s", upper(wantB0), upper(wantB1), gotB0, gotB1)
	}
	if filepath.Base(path) != hexHash {
		t.Fatalf("expected leaf filename to keep lowercase hash, got %s", filepath.Base(path))
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
