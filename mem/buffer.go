package mem

import (
	"sync"
	"sync/atomic"
)

// 小于该阈值的缓冲区直接用SliceBuffer包装，不做引用计数。
// 与池的最小分级一致，保证从池中取出的缓冲区释放后都能归还。
var bufferPoolingThreshold = 1 << 6 // 64B

var (
	bufferObjectPool = sync.Pool{New: func() any { return new(buffer) }}
	refObjectPool    = sync.Pool{New: func() any { return new(atomic.Int32) }}
)

// Buffer 表示一块可归还到池中的引用计数字节缓冲区。
type Buffer interface {
	// ReadOnlyData 返回底层字节切片，调用方不得修改。
	ReadOnlyData() []byte
	// Ref 增加此Buffer的引用计数。
	Ref()
	// Free 减少此Buffer的引用计数，计数归零时释放底层字节切片。
	Free()
	// Len 返回Buffer的大小。
	Len() int
}

// NewBuffer 使用给定数据初始化Buffer并将计数器初始化为1。
// 当所有引用都被释放时，底层切片归还到池中。
func NewBuffer(data *[]byte, pool BufferPool) Buffer {
	if pool == nil || cap(*data) < bufferPoolingThreshold {
		return (SliceBuffer)(*data)
	}

	b := bufferObjectPool.Get().(*buffer)
	b.originData = data
	b.data = *data
	b.pool = pool
	b.refs = refObjectPool.Get().(*atomic.Int32)
	b.refs.Add(1)
	return b
}

type buffer struct {
	originData *[]byte
	data       []byte
	refs       *atomic.Int32
	pool       BufferPool
}

func (b *buffer) ReadOnlyData() []byte {
	if b.refs == nil {
		panic("无法读取已释放的缓冲区")
	}
	return b.data
}

func (b *buffer) Ref() {
	if b.refs == nil {
		panic("无法引用已释放的缓冲区")
	}
	b.refs.Add(1)
}

func (b *buffer) Free() {
	if b.refs == nil {
		panic("无法释放已释放的缓冲区")
	}

	refs := b.refs.Add(-1)
	switch {
	case refs > 0:
	case refs == 0:
		if b.pool != nil {
			b.pool.Put(b.originData)
		}

		refObjectPool.Put(b.refs)
		b.originData = nil
		b.data = nil
		b.refs = nil
		b.pool = nil
		bufferObjectPool.Put(b)
	default:
		panic("无法释放已释放的缓冲区")
	}
}

func (b *buffer) Len() int {
	return len(b.ReadOnlyData())
}

// SliceBuffer 是包装普通字节切片的Buffer实现，
// 用于小到不值得池化的缓冲区。
type SliceBuffer []byte

func (s SliceBuffer) ReadOnlyData() []byte { return s }

func (s SliceBuffer) Ref() {}

func (s SliceBuffer) Free() {}

func (s SliceBuffer) Len() int { return len(s) }
