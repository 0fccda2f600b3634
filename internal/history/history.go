// Package history 定义聊天历史存储端口。
//
// 历史存储不属于服务器核心：写入失败只记日志，永远不影响消息投递。
package history

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

// Store 为历史存储端口。实现必须支持并发调用。
type Store interface {
	// Append 追加一条已投递的聊天子帧。
	Append(ctx context.Context, principalID int64, frame protocol.Subframe) error
}

// NopStore 丢弃所有写入，用于未配置历史存储的部署。
type NopStore struct{}

func (NopStore) Append(context.Context, int64, protocol.Subframe) error {
	return nil
}

var _ Store = NopStore{}

// Append 对 Store.Append 做统一的失败吞没：
// 写入失败只记录限流日志，不向上传播。
func Append(ctx context.Context, store Store, principalID int64, frame protocol.Subframe) {
	if store == nil {
		return
	}
	if err := store.Append(ctx, principalID, frame); err != nil {
		log.Ctx(ctx).WithRateGroup("history.append", 1, 60).
			RatedWarn(60, "history append failed",
				zap.Int64("principal", principalID),
				zap.String("subtype", subtypeName(frame.Subtype)),
				zap.Error(err))
	}
}

func subtypeName(st protocol.Subtype) string {
	switch st {
	case protocol.SubtypeText:
		return "text"
	case protocol.SubtypeBinary:
		return "binary"
	default:
		return "other"
	}
}
