package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// FileKeys is a KeySource backed by a JWKS document on local disk. The file
// is re-read whenever it is written, created or renamed into place; a reload
// that fails to parse keeps the previous key set.
type FileKeys struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu sync.RWMutex
	kf keyfunc.Keyfunc

	reloaded  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileKeys loads path and starts watching it until ctx is done or Close
// is called.
func NewFileKeys(ctx context.Context, path string, log *slog.Logger) (*FileKeys, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fk := &FileKeys{
		path:     abs,
		log:      log,
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if err := fk.load(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jwks watcher: %w", err)
	}
	// Watch the directory so atomic rename-into-place updates are observed.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("jwks watch %s: %w", filepath.Dir(abs), err)
	}
	fk.watcher = w
	go fk.run(ctx)
	return fk, nil
}

// Keyfunc implements KeySource.
func (f *FileKeys) Keyfunc(t *jwt.Token) (any, error) {
	f.mu.RLock()
	kf := f.kf
	f.mu.RUnlock()
	return kf.Keyfunc(t)
}

// Close stops watching the file.
func (f *FileKeys) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.watcher.Close()
	})
	return err
}

func (f *FileKeys) load() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read jwks file: %w", err)
	}
	if !json.Valid(b) {
		return errors.New("jwks file is not valid JSON")
	}
	kf, err := keyfunc.NewJWKSetJSON(json.RawMessage(b))
	if err != nil {
		return fmt.Errorf("parse jwks file: %w", err)
	}
	f.mu.Lock()
	f.kf = kf
	f.mu.Unlock()
	return nil
}

func (f *FileKeys) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = f.Close()
			return
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.load(); err != nil {
				f.log.Warn("jwks.file.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.Info("jwks.file.reload.ok", slog.String("path", f.path))
			select {
			case f.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("jwks.file.watch.fail", slog.String("err", err.Error()))
		}
	}
}
