package room

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/metrics"
	"github.com/Plannorium/curenium-sub004/internal/store"
)

// Registry 把房间名确定性地映射到唯一的 actor 实例：同名请求
// 永远落在同一个实例上，这就是每个房间的串行化点。注册表自身
// 无状态可言——会话与日志都归各房间 actor 所有。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	secret string
	logs   store.Log
	stop   chan struct{}
	once   sync.Once
}

func NewRegistry(logs store.Log, secret string) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		secret: secret,
		logs:   logs,
		stop:   make(chan struct{}),
	}
}

// Get 返回房间名对应的 actor，未初始化则懒加载并启动 run 循环。
func (g *Registry) Get(name string) *Room {
	return g.get(name, false)
}

// GetPinned 与 Get 相同，但房间被钉住，空闲回收不会碰它。
// 通知房间用这个入口，保证无人在线时 HTTP 注入仍有实例可用。
func (g *Registry) GetPinned(name string) *Room {
	return g.get(name, true)
}

func (g *Registry) get(name string, pinned bool) *Room {
	g.mu.RLock()
	r := g.rooms[name]
	g.mu.RUnlock()
	if r != nil {
		return r
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r = g.rooms[name]
	if r != nil {
		return r
	}
	r = newRoom(name, pinned, g.secret, g.logs)
	g.rooms[name] = r
	metrics.LiveRooms.Inc()
	go r.run()
	log.Info().Str("room", name).Bool("pinned", pinned).Msg("room created")
	return r
}

// Online 返回指定房间的会话数，房间不存在视为 0。
func (g *Registry) Online(name string) int {
	g.mu.RLock()
	r := g.rooms[name]
	g.mu.RUnlock()
	if r == nil {
		return 0
	}
	return r.Online()
}

// Stats 返回活跃房间数与会话总数。
func (g *Registry) Stats() (rooms, sessions int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms = len(g.rooms)
	for _, r := range g.rooms {
		sessions += r.Online()
	}
	return rooms, sessions
}

// StartSweeper 周期性回收空闲房间。被回收的实例取消 run 循环，
// 日志仍在持久层，下次访问会透明重建并重新 hydrate。
func (g *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

func (g *Registry) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, r := range g.rooms {
		if r.pinned || r.Online() > 0 {
			continue
		}
		delete(g.rooms, name)
		r.cancel()
		metrics.LiveRooms.Dec()
		log.Info().Str("room", name).Msg("idle room evicted")
	}
}

// Stop 停止回收并取消所有房间，用于优雅停服。
func (g *Registry) Stop() {
	g.once.Do(func() { close(g.stop) })
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, r := range g.rooms {
		delete(g.rooms, name)
		r.cancel()
		metrics.LiveRooms.Dec()
	}
}
