package chatsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// scoped key-value persistence for the sync core. Any store works; the only
// schema is a list of opaque ids per key.
type Store interface {
	Get(key string) ([]string, error)
	Set(key string, ids []string) error
}

// message ids the local user deleted on this installation. Append-only:
// a tombstoned id stays tombstoned. Consulted on every inbound event and on
// history merges to suppress redelivery.
type TombstoneStore struct {
	store Store
	key   string

	mutex sync.RWMutex
	ids   map[string]bool
}

func NewTombstoneStore(store Store, userId string) (*TombstoneStore, error) {
	key := "tombstones." + userId
	ids, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	return &TombstoneStore{
		store: store,
		key:   key,
		ids:   idSet,
	}, nil
}

func (self *TombstoneStore) Contains(messageId string) bool {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return self.ids[messageId]
}

func (self *TombstoneStore) Add(messageId string) error {
	self.mutex.Lock()
	if self.ids[messageId] {
		self.mutex.Unlock()
		return nil
	}
	self.ids[messageId] = true
	ids := maps.Keys(self.ids)
	self.mutex.Unlock()

	slices.Sort(ids)
	if err := self.store.Set(self.key, ids); err != nil {
		// the in-memory set still suppresses for this process lifetime
		glog.Infof("[ts]persist error = %s\n", err)
		return err
	}
	return nil
}

func (self *TombstoneStore) Size() int {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return len(self.ids)
}

// in-memory store, for tests and throwaway sessions
type MemoryStore struct {
	mutex  sync.Mutex
	values map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string][]string{},
	}
}

func (self *MemoryStore) Get(key string) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.values[key]), nil
}

func (self *MemoryStore) Set(key string, ids []string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = slices.Clone(ids)
	return nil
}

// one json file per key under a root directory
type FileStore struct {
	rootDir string
	mutex   sync.Mutex
}

func NewFileStore(rootDir string) (*FileStore, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{
		rootDir: rootDir,
	}, nil
}

func (self *FileStore) path(key string) string {
	return filepath.Join(self.rootDir, key+".json")
}

func (self *FileStore) Get(key string) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, err := os.ReadFile(self.path(key))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (self *FileStore) Set(key string, ids []string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	// write-then-rename so a crash never leaves a torn file
	tmpPath := self.path(key) + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, self.path(key))
}

// redis-backed store for installations that already run a local redis
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		timeout:   5 * time.Second,
	}
}

func (self *RedisStore) Get(key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
	defer cancel()

	ids, err := self.client.SMembers(ctx, self.keyPrefix+key).Result()
	if err == redis.Nil {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (self *RedisStore) Set(key string, ids []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
	defer cancel()

	pipe := self.client.TxPipeline()
	pipe.Del(ctx, self.keyPrefix+key)
	if 0 < len(ids) {
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.SAdd(ctx, self.keyPrefix+key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}
