package ws

import (
	"encoding/json"
	"sync"
)

// Broker 频道订阅注册表。发布方（事件分发器）按频道推送，
// 慢订阅者丢消息而不是阻塞发布方。
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe 订阅频道，返回接收通道
func (b *Broker) Subscribe(channel string) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	return ch
}

// Unsubscribe 退订并关闭通道
func (b *Broker) Unsubscribe(channel string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[channel]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, channel)
	}
}

// Publish 向频道的所有订阅者推送。payload 序列化一次，失败静默丢弃。
func (b *Broker) Publish(channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- data:
		default:
		}
	}
}

// SubscriberCount 某频道的订阅者数量
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
