package kvfake

import (
	"sync"

	"github.com/jrsteele09/go-auth-session/tokenstore"
)

var _ tokenstore.BatchKV = (*FakeKV)(nil)

// FakeKV is an in-memory KV. Writes can be made to fail to exercise error paths.
type FakeKV struct {
	values  map[string]string
	lock    sync.RWMutex
	failSet error
	failDel error
	sets    int
}

func NewFakeKV() *FakeKV {
	return &FakeKV{
		values: make(map[string]string),
	}
}

func (kv *FakeKV) Get(key string) (string, error) {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	v, ok := kv.values[key]
	if !ok {
		return "", tokenstore.ErrKeyNotFound
	}
	return v, nil
}

func (kv *FakeKV) Set(key, value string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	if kv.failSet != nil {
		return kv.failSet
	}
	kv.values[key] = value
	kv.sets++
	return nil
}

func (kv *FakeKV) Delete(key string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	if kv.failDel != nil {
		return kv.failDel
	}
	if _, ok := kv.values[key]; !ok {
		return tokenstore.ErrKeyNotFound
	}
	delete(kv.values, key)
	return nil
}

func (kv *FakeKV) SetMany(values map[string]string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	if kv.failSet != nil {
		return kv.failSet
	}
	for k, v := range values {
		kv.values[k] = v
	}
	kv.sets++
	return nil
}

func (kv *FakeKV) DeleteMany(keys ...string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	if kv.failDel != nil {
		return kv.failDel
	}
	for _, k := range keys {
		delete(kv.values, k)
	}
	return nil
}

// FailWrites makes every subsequent write return err (nil restores normal behaviour).
func (kv *FakeKV) FailWrites(err error) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.failSet = err
}

// FailDeletes makes every subsequent delete return err (nil restores normal behaviour).
func (kv *FakeKV) FailDeletes(err error) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.failDel = err
}

// Len returns how many keys are stored.
func (kv *FakeKV) Len() int {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	return len(kv.values)
}

// Writes returns how many successful write calls were made.
func (kv *FakeKV) Writes() int {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	return kv.sets
}

// SingleKeyKV hides the batch methods so the store falls back to per-key writes.
type SingleKeyKV struct {
	KV *FakeKV
}

var _ tokenstore.KV = SingleKeyKV{}

func (s SingleKeyKV) Get(key string) (string, error) { return s.KV.Get(key) }
func (s SingleKeyKV) Set(key, value string) error   { return s.KV.Set(key, value) }
func (s SingleKeyKV) Delete(key string) error       { return s.KV.Delete(key) }

// Raw exposes the underlying map entries so tests can plant partial state.
func (kv *FakeKV) Raw(key, value string) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.values[key] = value
}
