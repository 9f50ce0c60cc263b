// Package oplock 单持有者操作锁：防止下单、启动洗车等操作被并发重复执行。
package oplock

import (
	"sync"

	"github.com/google/uuid"
)

// Token 锁令牌，释放时必须原样交回
type Token struct {
	Key string
	ID  string
}

// Valid 令牌是否有效
func (t Token) Valid() bool { return t.ID != "" }

// Locks 按 key 划分的非重入锁集合
type Locks struct {
	mu   sync.Mutex
	held map[string]string
}

// New 创建锁集合
func New() *Locks {
	return &Locks{held: make(map[string]string)}
}

// TryAcquire 尝试获取 key 对应的锁；已被持有时立即返回 false，不排队
func (l *Locks) TryAcquire(key string) (Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return Token{}, false
	}
	tok := Token{Key: key, ID: uuid.NewString()}
	l.held[key] = tok.ID
	return tok, true
}

// Release 释放锁；令牌过期或不匹配时忽略
func (l *Locks) Release(tok Token) {
	if !tok.Valid() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.held[tok.Key]; ok && id == tok.ID {
		delete(l.held, tok.Key)
	}
}

// Held key 是否被持有
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
