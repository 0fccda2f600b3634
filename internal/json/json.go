// Package json 统一封装项目内使用的 JSON 实现。
//
// 说明：
//   - 底层使用 bytedance/sonic，以获得比标准库更好的编解码性能；
//   - 业务代码一律通过本包引用 JSON 能力，避免直接依赖具体实现。
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	// json 使用与标准库兼容的配置，保证键排序等行为稳定。
	json = sonic.ConfigStd

	// Marshal 将对象编码为 JSON 字节序列。
	Marshal = json.Marshal

	// Unmarshal 将 JSON 字节序列解码到目标对象。
	Unmarshal = json.Unmarshal

	// MarshalIndent 带缩进的编码，主要用于日志与调试输出。
	MarshalIndent = json.MarshalIndent

	// Valid 判断给定字节序列是否为合法 JSON。
	Valid = json.Valid
)

// NewEncoder 创建一个写入 w 的 JSON 编码器。
func NewEncoder(w io.Writer) sonic.Encoder {
	return json.NewEncoder(w)
}

// NewDecoder 创建一个从 r 读取的 JSON 解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return json.NewDecoder(r)
}
