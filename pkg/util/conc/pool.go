// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"fmt"

	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/chat-garden-go/pkg/util/hardware"
)

// Pool 是基于 ants 封装的泛型协程池。
//
// 说明：
//   - Submit 返回 *Future[T]，调用方通过 Await 获取任务结果；
//   - 以 WithConcealPanic(true) 创建时，池内任务的 panic 会被捕获并转换为 error；
//     否则 panic 在记录日志后继续向上抛出。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
//
// cap <= 0 时使用主机 CPU 核心数。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	if cap <= 0 {
		cap = hardware.GetCPUNum()
	}

	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		// 参数均为内部构造，此处失败属于编程错误。
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// NewDefaultPool 创建一个容量为 CPU 核心数的协程池，并吞掉任务 panic。
func NewDefaultPool[T any]() *Pool[T] {
	return NewPool[T](hardware.GetCPUNum(), WithConcealPanic(true))
}

// Submit 提交一个任务到池中执行。
//
// 返回的 Future 在任务结束后携带结果或错误；
// 开启 concealPanic 时，任务内发生的 panic 会被转换为 error 返回，
// 否则在写入 Future 错误后重新抛出。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = fmt.Errorf("panicked with error: %v", x)
				// 按配置决定是否继续向上抛出。
				if !pool.opt.concealPanic {
					panic(x)
				}
			}
		}()

		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}

		res, err := method()
		if err != nil {
			future.err = err
			return
		}
		future.value = res
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Cap 返回池的容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回当前正在执行任务的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回当前空闲的 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 关闭协程池，不再接受新任务；不等待正在执行的任务结束。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

// Future 表示一次异步任务的结果占位。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

// Await 阻塞等待任务完成，返回结果与错误。
func (future *Future[T]) Await() (T, error) {
	<-future.ch
	return future.value, future.err
}

// Done 返回任务完成信号通道。
func (future *Future[T]) Done() <-chan struct{} {
	return future.ch
}

// Err 返回任务错误；任务未完成时会阻塞。
func (future *Future[T]) Err() error {
	<-future.ch
	return future.err
}
