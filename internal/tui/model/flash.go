package model

import (
	"sync"
	"time"
)

// FlashLevel is the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashErr
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   FlashLevel
	expires time.Time
	now     func() time.Time
}

// Info shows msg for d.
func (f *Flash) Info(msg string, d time.Duration) {
	f.set(msg, FlashInfo, d)
}

// Err shows err for ten seconds.
func (f *Flash) Err(err error) {
	f.set(err.Error(), FlashErr, 10*time.Second)
}

func (f *Flash) set(msg string, level FlashLevel, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = f.clock().Add(d)
}

// Get returns the current message and its level, or "" once expired.
func (f *Flash) Get() (string, FlashLevel) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.clock().After(f.expires) {
		return "", FlashInfo
	}
	return f.message, f.level
}

func (f *Flash) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}
