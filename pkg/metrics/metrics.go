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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// zeusNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	zeusNamespace = "zeus"

	chatSubsystem = "chat"

	// 以下为当前使用的通用标签名。
	directionLabelName = "direction"
	reasonLabelName    = "reason"
	subtypeLabelName   = "subtype"
)

var (
	ConnectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "connected_sessions",
			Help:      "number of sessions currently registered in the router",
		})

	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "frames_total",
			Help:      "number of frames processed, partitioned by direction",
		}, []string{directionLabelName})

	Bytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "bytes_total",
			Help:      "number of payload bytes processed, partitioned by direction",
		}, []string{directionLabelName})

	BroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "broadcast_drops_total",
			Help:      "number of broadcast frames dropped due to full outbound queues",
		})

	Rekeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "rekeys_total",
			Help:      "number of completed session rekeys",
		})

	ReplayRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "replay_rejections_total",
			Help:      "number of records rejected by sequence replay protection",
		})

	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "auth_failures_total",
			Help:      "number of failed authentication attempts, partitioned by reason",
		}, []string{reasonLabelName})

	SessionCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "session_closes_total",
			Help:      "number of closed sessions, partitioned by close reason",
		}, []string{reasonLabelName})

	ChatSubframes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "chat_subframes_total",
			Help:      "number of chat subframes dispatched, partitioned by subtype",
		}, []string{subtypeLabelName})

	TaskRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "task_restarts_total",
			Help:      "number of periodic task restarts after failure",
		}, []string{"task"})

	TaskAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "task_alerts_total",
			Help:      "number of escalated alerts for repeatedly failing periodic tasks",
		}, []string{"task"})

	HostCPUUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "host_cpu_usage_percent",
			Help:      "host cpu usage sampled on the metrics tick",
		})

	HostMemoryUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: chatSubsystem,
			Name:      "host_memory_used_bytes",
			Help:      "host memory in use sampled on the metrics tick",
		})

	metricRegisterer prometheus.Registerer
)

// 方向标签的取值。
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在进程初始化时调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(ConnectedSessions)
	r.MustRegister(Frames)
	r.MustRegister(Bytes)
	r.MustRegister(BroadcastDrops)
	r.MustRegister(Rekeys)
	r.MustRegister(ReplayRejections)
	r.MustRegister(AuthFailures)
	r.MustRegister(SessionCloses)
	r.MustRegister(ChatSubframes)
	r.MustRegister(TaskRestarts)
	r.MustRegister(TaskAlerts)
	r.MustRegister(HostCPUUsage)
	r.MustRegister(HostMemoryUsed)
	metricRegisterer = r
}
