package filekv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-auth-session/tokenstore"
)

var _ tokenstore.BatchKV = (*FileKV)(nil)

// FileKV persists keys as a JSON object in a single file. Every write replaces the
// file through a rename, so readers in this or another process see old or new state, never a mix.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// New returns a FileKV at path, creating the parent directory if needed.
func New(path string) (*FileKV, error) {
	if path == "" {
		return nil, errors.New("[filekv.New] path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("[filekv.New] create directory: %w", err)
	}
	return &FileKV{path: path}, nil
}

func (f *FileKV) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", tokenstore.ErrKeyNotFound
	}
	return v, nil
}

func (f *FileKV) Set(key, value string) error {
	return f.SetMany(map[string]string{key: value})
}

func (f *FileKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return tokenstore.ErrKeyNotFound
	}
	delete(values, key)
	return f.save(values)
}

func (f *FileKV) SetMany(updates map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	for k, v := range updates {
		values[k] = v
	}
	return f.save(values)
}

func (f *FileKV) DeleteMany(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(values, k)
	}
	return f.save(values)
}

func (f *FileKV) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("[FileKV.load] read: %w", err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("[FileKV.load] decode %s: %w", f.path, err)
	}
	return values, nil
}

func (f *FileKV) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("[FileKV.save] encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("[FileKV.save] create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("[FileKV.save] write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("[FileKV.save] sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[FileKV.save] close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("[FileKV.save] chmod: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("[FileKV.save] rename: %w", err)
	}
	return nil
}
