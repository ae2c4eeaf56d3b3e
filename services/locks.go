package services

import (
	"fmt"
	"sync"
)

// RetentionSweepLock 保留清理全局锁
const RetentionSweepLock = "retention-sweep"

// ProfileLockName 备份配置执行锁
func ProfileLockName(profileID uint) string {
	return fmt.Sprintf("profile:%d", profileID)
}

// StorageLocationLockName 存储位置读写锁：执行持共享锁，迁移持独占锁
func StorageLocationLockName(locationID uint) string {
	return fmt.Sprintf("storage-location:%d", locationID)
}

// LockManager 进程内的命名锁
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.RWMutex)}
}

func (m *LockManager) get(name string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[name] = l
	}
	return l
}

// Lock 阻塞获取独占锁，返回释放函数
func (m *LockManager) Lock(name string) func() {
	l := m.get(name)
	l.Lock()
	return l.Unlock
}

// TryLock 尝试获取独占锁，已被占用时返回 false
func (m *LockManager) TryLock(name string) (func(), bool) {
	l := m.get(name)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// TryRLock 尝试获取共享锁，已被独占时返回 false
func (m *LockManager) TryRLock(name string) (func(), bool) {
	l := m.get(name)
	if !l.TryRLock() {
		return nil, false
	}
	return l.RUnlock, true
}
