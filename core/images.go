package core

// images.go – the content-addressed image blob store: a filesystem
// layout keyed by content hash, staged-then-committed, with an LRU cache in
// front of the hot reads. Lifecycle events log through logrus like the rest
// of the server; the per-request cache path logs through zap, whose
// structured fields are cheap enough to leave on in the hot loop.

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

var (
	ErrImageHashMismatch = errors.New("image hash mismatch")
	ErrImageNotFound     = errors.New("image not found")
)

const defaultImageCacheEntries = 4096

// ImageStore is the filesystem-backed, content-addressed blob store. Layout:
// <imagesRoot>/<b0>/<b1>/<hex-hash>, where b0/b1 are the first two bytes of
// the hash rendered as two-char UPPERCASE hex, while the
// leaf filename keeps the lowercase hex hash used everywhere else in this
// package (logs, cache keys, wire encoding).
type ImageStore struct {
	imagesRoot string
	tempRoot   string
	cache      *lru.Cache[string, []byte]
	logger     *logrus.Logger
	zlog       *zap.SugaredLogger

	stageMu sync.Mutex
	staged  map[string]string // hex hash -> staged temp file path
}

// NewImageStore wires an ImageStore, creating its root directories.
func NewImageStore(imagesRoot, tempRoot string, cacheEntries int, logger *logrus.Logger) (*ImageStore, error) {
	if cacheEntries <= 0 {
		cacheEntries = defaultImageCacheEntries
	}
	if err := os.MkdirAll(imagesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("images root: %w", err)
	}
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("temp root: %w", err)
	}
	cache, err := lru.New[string, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("image cache: %w", err)
	}
	logger.Infof("images: root=%s temp=%s cache=%d", imagesRoot, tempRoot, cacheEntries)
	return &ImageStore{
		imagesRoot: imagesRoot,
		tempRoot:   tempRoot,
		cache:      cache,
		logger:     logger,
		zlog:       zap.L().Sugar(),
		staged:     make(map[string]string),
	}, nil
}

func pathForHash(root string, hexHash string) (string, error) {
	if len(hexHash) < 4 {
		return "", errors.New("images: hash too short")
	}
	b0, b1 := strings.ToUpper(hexHash[0:2]), strings.ToUpper(hexHash[2:4])
	return filepath.Join(root, b0, b1, hexHash), nil
}

// Stage writes data to a temporary path keyed by its declared hash, without
// making it visible under Get yet.
func (s *ImageStore) Stage(declaredHash []byte, data []byte) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hex.EncodeToString(declaredHash) {
		return ErrImageHashMismatch
	}
	hexHash := hex.EncodeToString(declaredHash)
	tempPath := filepath.Join(s.tempRoot, hexHash+".tmp")
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("stage image: %w", err)
	}
	s.stageMu.Lock()
	s.staged[hexHash] = tempPath
	s.stageMu.Unlock()
	s.zlog.Debugw("image staged", "hash", hexHash, "bytes", len(data))
	return nil
}

// Commit moves a previously-staged blob into its final content-addressed
// location, atomically, and warms the cache. Each Commit consumes one Stage:
// without a fresh Stage of the hash it returns ErrImageNotFound. Committing a
// hash that is already stored overwrites it with identical content, so
// identities can share an image.
func (s *ImageStore) Commit(hash []byte) error {
	hexHash := hex.EncodeToString(hash)
	s.stageMu.Lock()
	tempPath, ok := s.staged[hexHash]
	delete(s.staged, hexHash)
	s.stageMu.Unlock()
	if !ok {
		return fmt.Errorf("commit image %s: %w", hexHash, ErrImageNotFound)
	}

	finalPath, err := pathForHash(s.imagesRoot, hexHash)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("commit image: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("commit image: %w", err)
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		s.zlog.Warnw("image commit: re-read after rename failed", "hash", hexHash, "error", err)
		return nil
	}
	s.cache.Add(hexHash, data)
	s.logger.WithField("hash", hexHash).Debug("images: committed")
	return nil
}

// Get returns image bytes by hash, serving from the LRU cache when present.
func (s *ImageStore) Get(hash []byte) ([]byte, error) {
	hexHash := hex.EncodeToString(hash)
	if data, ok := s.cache.Get(hexHash); ok {
		s.zlog.Debugw("image cache hit", "hash", hexHash)
		return data, nil
	}
	finalPath, err := pathForHash(s.imagesRoot, hexHash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("read image: %w", err)
	}
	s.cache.Add(hexHash, data)
	s.zlog.Debugw("image cache fill", "hash", hexHash, "bytes", len(data))
	return data, nil
}

// Discard drops a staged-but-never-committed upload, e.g. when an
// UpdateProfile request is rejected after the image bytes were already
// received.
func (s *ImageStore) Discard(hash []byte) {
	hexHash := hex.EncodeToString(hash)
	s.stageMu.Lock()
	tempPath, ok := s.staged[hexHash]
	delete(s.staged, hexHash)
	s.stageMu.Unlock()
	if ok {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("hash", hexHash).Warn("images: discard cleanup failed")
		}
	}
}
