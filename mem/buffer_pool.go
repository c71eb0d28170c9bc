package mem

import (
	"sync"
)

// BufferPool 是一个按大小分级的自管理缓冲区池。
type BufferPool interface {
	// Get 返回指定大小的缓冲区。
	Get(size int) *[]byte
	// Put 将缓冲区归还到池中。
	Put(buffer *[]byte)
}

// 为控制链路优化的缓冲区大小：一条控制帧只有几十到几百字节，
// 最大一级覆盖入会握手等带凭证的消息。
var bufferPoolSizes = []int{
	1 << 6,  // 64B - 控制消息体
	1 << 7,  // 128B - 控制帧（头部+消息体）
	1 << 8,  // 256B - 入会请求
	1 << 9,  // 512B - 带凭证的握手消息
	1 << 10, // 1KB
	1 << 11, // 2KB
	1 << 12, // 4KB - 最大支持大小
}

var defaultPool = newBufferPool()

type bufferPool struct {
	pools   []*sync.Pool
	maxSize int
}

func newBufferPool() *bufferPool {
	p := &bufferPool{
		pools:   make([]*sync.Pool, len(bufferPoolSizes)),
		maxSize: bufferPoolSizes[len(bufferPoolSizes)-1],
	}

	for i := range bufferPoolSizes {
		size := bufferPoolSizes[i]
		p.pools[i] = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}

	return p
}

// DefaultBufferPool 返回内存池
func DefaultBufferPool() BufferPool {
	return defaultPool
}

// Get 返回指定大小的缓冲区。
func (p *bufferPool) Get(size int) *[]byte {
	if size <= 0 {
		return &[]byte{}
	}

	if index := p.findFitPool(size); index >= 0 {
		buf := p.pools[index].Get().(*[]byte)
		*buf = (*buf)[0:size]
		return buf
	}

	// 超过最大分级，直接分配
	buf := make([]byte, size)
	return &buf
}

// Put 将缓冲区归还到池中。
func (p *bufferPool) Put(buffer *[]byte) {
	if buffer == nil {
		return
	}

	size := cap(*buffer)
	if size <= 0 || size > p.maxSize {
		return
	}

	*buffer = (*buffer)[:0]

	if index := p.findOwnerPool(size); index >= 0 {
		p.pools[index].Put(buffer)
	}
}

// findFitPool 返回能容纳size的最小分级。
func (p *bufferPool) findFitPool(size int) int {
	for i, poolSize := range bufferPoolSizes {
		if size <= poolSize {
			return i
		}
	}
	return -1
}

// findOwnerPool 返回容量不超过size的最大分级，
// 保证归还后的缓冲区再次取出时长度足够。
func (p *bufferPool) findOwnerPool(size int) int {
	for i := len(bufferPoolSizes) - 1; i >= 0; i-- {
		if size >= bufferPoolSizes[i] {
			return i
		}
	}
	return -1
}
