// Package bytebuffer 封装了 valyala/bytebufferpool，
// 为网络层提供可复用的字节缓冲区，降低频繁 make 带来的 GC 压力。
package bytebuffer

import (
	"github.com/valyala/bytebufferpool"
)

// ByteBuffer 是 bytebufferpool.ByteBuffer 的别名，便于在池中引用。
type ByteBuffer = bytebufferpool.ByteBuffer

// pool 为本包私有的缓冲池实例。
//
// 不复用 bytebufferpool 的全局池，避免与其它用途（例如日志）的
// 缓冲大小校准互相干扰。
var pool bytebufferpool.Pool

// Get 从池中获取一个空的字节缓冲区。
func Get() *ByteBuffer {
	return pool.Get()
}

// Put 将缓冲区归还到池中。
//
// 注意：归还后的 ByteBuffer 不允许再被访问，否则会引发数据竞争。
func Put(b *ByteBuffer) {
	pool.Put(b)
}
