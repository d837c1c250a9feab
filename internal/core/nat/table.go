// Package nat 跟踪 UDP 客户端与出站套接字之间的绑定。
package nat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"liuproxy_tunnel/internal/shared/logger"
)

var (
	ErrTableClosed   = errors.New("nat table closed")
	ErrBindingClosed = errors.New("nat binding closed before use")
)

// Factory 为一个新的 key 创建绑定，每个缺失的 key 最多被调用一次。
type Factory func(ctx context.Context) (*Binding, error)

type Table struct {
	mu       sync.Mutex
	bindings map[Key]*Binding
	closed   bool
	group    singleflight.Group

	idleTimeout time.Duration
	interval    time.Duration

	created atomic.Uint64
	evicted atomic.Uint64

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

type Stats struct {
	Active  int    `json:"active"`
	Created uint64 `json:"created"`
	Evicted uint64 `json:"evicted"`
}

func NewTable(idleTimeout, interval time.Duration) *Table {
	if interval <= 0 {
		interval = idleTimeout / 2
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Table{
		bindings:    make(map[Key]*Binding),
		idleTimeout: idleTimeout,
		interval:    interval,
		stopChan:    make(chan struct{}),
		logger:      logger.WithComponent("nat"),
	}
}

// Start 启动后台清理
func (t *Table) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

func (t *Table) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep(monotonic())
		case <-t.stopChan:
			return
		}
	}
}

// sweep 移除并关闭所有空闲超过阈值的绑定
func (t *Table) sweep(now time.Duration) int {
	var expired []*Binding
	t.mu.Lock()
	for key, b := range t.bindings {
		if b.idleFor(now) >= t.idleTimeout {
			delete(t.bindings, key)
			expired = append(expired, b)
		}
	}
	remaining := len(t.bindings)
	t.mu.Unlock()

	for _, b := range expired {
		_ = b.Close()
	}
	if len(expired) > 0 {
		t.evicted.Add(uint64(len(expired)))
		t.logger.Debug().Int("evicted", len(expired)).Int("remaining", remaining).Msg("NAT idle sweep")
	}
	return len(expired)
}

func (t *Table) Get(key Key) (*Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[key]
	return b, ok
}

// GetOrCreate 返回 key 的绑定，不存在时调用 factory 创建。
// 并发调用者共享同一次创建；factory 失败时不保存任何东西，所有等待者拿到同一个错误。
func (t *Table) GetOrCreate(ctx context.Context, key Key, factory Factory) (*Binding, error) {
	if b, ok := t.Get(key); ok {
		return b, nil
	}

	ch := t.group.DoChan(key.String(), func() (interface{}, error) {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrTableClosed
		}
		if b, ok := t.bindings[key]; ok {
			t.mu.Unlock()
			return b, nil
		}
		t.mu.Unlock()

		b, err := factory(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			_ = b.Close()
			return nil, ErrTableClosed
		}
		// 返回路径可能在保存之前就已失败并关闭了绑定
		if b.closed() {
			return nil, ErrBindingClosed
		}
		t.bindings[key] = b
		t.created.Add(1)
		return b, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Binding), nil
	}
}

func (t *Table) Touch(key Key) {
	if b, ok := t.Get(key); ok {
		b.Touch()
	}
}

// Remove 移除并关闭 key 对应的绑定
func (t *Table) Remove(key Key) {
	t.mu.Lock()
	b, ok := t.bindings[key]
	if ok {
		delete(t.bindings, key)
	}
	t.mu.Unlock()
	if ok {
		_ = b.Close()
	}
}

// RemoveBinding 只在表中仍是 b 时才移除，避免误删同 key 的新绑定。b 总会被关闭。
func (t *Table) RemoveBinding(b *Binding) {
	t.mu.Lock()
	if cur, ok := t.bindings[b.key]; ok && cur == b {
		delete(t.bindings, b.key)
	}
	t.mu.Unlock()
	_ = b.Close()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

func (t *Table) Snapshot() []BindingInfo {
	t.mu.Lock()
	list := make([]*Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		list = append(list, b)
	}
	t.mu.Unlock()

	infos := make([]BindingInfo, 0, len(list))
	for _, b := range list {
		infos = append(infos, b.Info())
	}
	return infos
}

func (t *Table) Stats() Stats {
	return Stats{Active: t.Len(), Created: t.created.Load(), Evicted: t.evicted.Load()}
}

// Close 停止清理并关闭所有绑定，之后的创建请求都会失败。
func (t *Table) Close() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()

	t.mu.Lock()
	t.closed = true
	all := t.bindings
	t.bindings = make(map[Key]*Binding)
	t.mu.Unlock()

	for _, b := range all {
		_ = b.Close()
	}
	if len(all) > 0 {
		t.logger.Debug().Int("closed", len(all)).Msg("NAT table closed")
	}
}
