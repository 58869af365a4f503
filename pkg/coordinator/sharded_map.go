package coordinator

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/arzzra/callcore/pkg/session"
)

// ShardCount количество шардов реестра сессий.
// Должно быть степенью 2.
const ShardCount = 32

// entry запись реестра: очередь сессии и неизменяемые атрибуты
type entry struct {
	actor     *session.Actor
	direction session.Direction
	remoteURI string
}

type sessionShard struct {
	entries map[string]*entry
	mutex   sync.RWMutex
}

// shardedSessionMap потокобезопасный реестр сессий с шардированием
// по FNV хэшу идентификатора. Операции над разными шардами
// не блокируют друг друга.
type shardedSessionMap struct {
	shards [ShardCount]*sessionShard
}

func newShardedSessionMap() *shardedSessionMap {
	m := &shardedSessionMap{}
	for i := range m.shards {
		m.shards[i] = &sessionShard{entries: make(map[string]*entry)}
	}
	return m
}

func (m *shardedSessionMap) getShard(id string) *sessionShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(id))
	return m.shards[hasher.Sum32()&(ShardCount-1)]
}

// SetIfAbsent добавляет запись, если идентификатор свободен
func (m *shardedSessionMap) SetIfAbsent(id string, e *entry) bool {
	shard := m.getShard(id)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.entries[id]; exists {
		return false
	}
	shard.entries[id] = e
	return true
}

func (m *shardedSessionMap) Get(id string) (*entry, bool) {
	shard := m.getShard(id)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	e, exists := shard.entries[id]
	return e, exists
}

func (m *shardedSessionMap) Delete(id string) bool {
	shard := m.getShard(id)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	_, exists := shard.entries[id]
	if exists {
		delete(shard.entries, id)
	}
	return exists
}

// Count общее количество сессий во всех шардах
func (m *shardedSessionMap) Count() int {
	count := 0
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		count += len(m.shards[i].entries)
		m.shards[i].mutex.RUnlock()
	}
	return count
}

// IDs идентификаторы всех сессий в порядке сортировки
func (m *shardedSessionMap) IDs() []string {
	var ids []string
	m.ForEach(func(id string, _ *entry) {
		ids = append(ids, id)
	})
	sort.Strings(ids)
	return ids
}

// ForEach копирует записи и вызывает fn вне блокировок шардов
func (m *shardedSessionMap) ForEach(fn func(string, *entry)) {
	all := make(map[string]*entry)
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		for id, e := range m.shards[i].entries {
			all[id] = e
		}
		m.shards[i].mutex.RUnlock()
	}

	for id, e := range all {
		fn(id, e)
	}
}

// ShardStats распределение сессий по шардам
func (m *shardedSessionMap) ShardStats() map[int]int {
	stats := make(map[int]int)
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		stats[i] = len(m.shards[i].entries)
		m.shards[i].mutex.RUnlock()
	}
	return stats
}
