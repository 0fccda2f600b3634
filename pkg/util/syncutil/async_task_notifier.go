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

package syncutil

import (
	"context"
	"sync"
)

// AsyncTaskNotifier 用于协调一个后台任务的取消与结束。
//
// 使用约定：
//   - 任务方在退出前必须调用一次 Finish；
//   - 控制方调用 Cancel 发出停止信号，再调用 BlockUntilFinish 等待退出。
type AsyncTaskNotifier[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result T
}

// NewAsyncTaskNotifier 创建一个新的任务通知器。
func NewAsyncTaskNotifier[T any]() *AsyncTaskNotifier[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncTaskNotifier[T]{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context 返回任务应监听的上下文；Cancel 会触发其 Done。
func (n *AsyncTaskNotifier[T]) Context() context.Context {
	return n.ctx
}

// Cancel 通知任务停止。
func (n *AsyncTaskNotifier[T]) Cancel() {
	n.cancel()
}

// Finish 由任务方在退出前调用，携带任务结果。幂等。
func (n *AsyncTaskNotifier[T]) Finish(result T) {
	n.once.Do(func() {
		n.result = result
		close(n.done)
	})
}

// FinishChan 返回任务结束信号通道。
func (n *AsyncTaskNotifier[T]) FinishChan() <-chan struct{} {
	return n.done
}

// BlockUntilFinish 阻塞直到任务调用 Finish。
func (n *AsyncTaskNotifier[T]) BlockUntilFinish() {
	<-n.done
}

// BlockAndGetResult 阻塞直到任务结束并返回其结果。
func (n *AsyncTaskNotifier[T]) BlockAndGetResult() T {
	<-n.done
	return n.result
}
