// Package snowflake 雪花 ID 生成器，用于订单和成交 ID
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// 起始时间戳 (2025-01-01 00:00:00 UTC)
	epoch int64 = 1735689600000

	nodeIDBits   = 10
	sequenceBits = 12

	maxNodeID   = -1 ^ (-1 << nodeIDBits)   // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	nodeIDShift    = sequenceBits
	timestampShift = sequenceBits + nodeIDBits
)

var (
	ErrInvalidNodeID  = errors.New("node ID must be between 0 and 1023")
	ErrClockMovedBack = errors.New("clock moved backwards")
)

// Node 单节点生成器
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
}

// NewNode 创建生成器
func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, ErrInvalidNodeID
	}
	return &Node{nodeID: nodeID}, nil
}

// Next 生成 ID
func (n *Node) Next() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < n.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == n.lastTime {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			// 序列号用尽，等待下一毫秒
			for now <= n.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.sequence = 0
	}

	n.lastTime = now

	return ((now - epoch) << timestampShift) |
		(n.nodeID << nodeIDShift) |
		n.sequence, nil
}

// MustNext 生成 ID，panic on error
func (n *Node) MustNext() int64 {
	id, err := n.Next()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse 解析 ID 各字段
func Parse(id int64) (timestamp, nodeID, sequence int64) {
	timestamp = (id >> timestampShift) + epoch
	nodeID = (id >> nodeIDShift) & maxNodeID
	sequence = id & maxSequence
	return
}

// Time 获取 ID 的生成时间
func Time(id int64) time.Time {
	ts, _, _ := Parse(id)
	return time.UnixMilli(ts)
}

var defaultNode *Node

// Init 初始化全局生成器
func Init(nodeID int64) error {
	n, err := NewNode(nodeID)
	if err != nil {
		return err
	}
	defaultNode = n
	return nil
}

// NextID 使用全局生成器生成 ID
func NextID() (int64, error) {
	if defaultNode == nil {
		return 0, errors.New("snowflake not initialized")
	}
	return defaultNode.Next()
}

// MustNextID 使用全局生成器生成 ID，panic on error
func MustNextID() int64 {
	id, err := NextID()
	if err != nil {
		panic(err)
	}
	return id
}
