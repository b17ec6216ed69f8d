package engine

import (
	"sync"

	"github.com/tokenmarket/trading-engine/internal/compliance"
	"github.com/tokenmarket/trading-engine/internal/ledger"
	"github.com/tokenmarket/trading-engine/internal/marketdata"
	"github.com/tokenmarket/trading-engine/internal/registry"
	apperrors "github.com/tokenmarket/trading-engine/pkg/errors"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/snowflake"
)

// Manager 多资产引擎管理器。每个可交易资产一个独立引擎，
// 各引擎事件流汇入统一通道供下游落库和推送。
type Manager struct {
	reg   *registry.Registry
	store *ledger.Store
	gate  *compliance.Gate
	md    *marketdata.Aggregator
	idGen *snowflake.Node
	log   *logger.Logger

	engines  map[string]*Engine
	events   chan *Event
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
}

// NewManager 创建引擎管理器
func NewManager(reg *registry.Registry, store *ledger.Store, gate *compliance.Gate, md *marketdata.Aggregator, idGen *snowflake.Node, log *logger.Logger) *Manager {
	return &Manager{
		reg:     reg,
		store:   store,
		gate:    gate,
		md:      md,
		idGen:   idGen,
		log:     log,
		engines: make(map[string]*Engine),
		events:  make(chan *Event, 16384),
	}
}

// Events 全资产合并事件流
func (m *Manager) Events() <-chan *Event { return m.events }

// Engine 获取某资产的引擎，不存在时按注册表配置创建并启动
func (m *Manager) Engine(asset string) (*Engine, error) {
	m.mu.RLock()
	e, ok := m.engines[asset]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	cfg, err := m.reg.Get(asset)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[asset]; ok {
		return e, nil
	}

	e = New(*cfg, m.store, m.gate, m.md, m.idGen, m.log)
	m.engines[asset] = e
	e.Start()
	m.wg.Add(1)
	go m.forward(e)
	return e, nil
}

// Lookup 获取已存在的引擎，不会创建
func (m *Manager) Lookup(asset string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.engines[asset]; ok {
		return e, nil
	}
	return nil, apperrors.Newf(apperrors.CodeAssetNotFound, "no engine for asset %s", asset)
}

// Assets 当前运行引擎的资产列表
func (m *Manager) Assets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.engines))
	for a := range m.engines {
		out = append(out, a)
	}
	return out
}

// ExpireSweep 向所有引擎投递到期清扫命令
func (m *Manager) ExpireSweep(nowMs int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.engines {
		_ = e.Submit(&Command{Type: CmdExpireSweep, NowMs: nowMs})
	}
}

// Stop 停止所有引擎并关闭合并事件流。可重复调用。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		engines := make([]*Engine, 0, len(m.engines))
		for _, e := range m.engines {
			engines = append(engines, e)
		}
		m.mu.Unlock()

		for _, e := range engines {
			e.Stop()
		}
		m.wg.Wait()
		close(m.events)
	})
}

func (m *Manager) forward(e *Engine) {
	defer m.wg.Done()
	for ev := range e.Events() {
		m.events <- ev
	}
}
