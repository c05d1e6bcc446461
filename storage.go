package gotxn

import "context"

// 存储接口. 本核心只负责并发控制与提交，不关心物理存储；资源 id 对本核心完全不透明
// 约定：读取不存在的资源返回空串与 nil error
type Storage interface {
	// 读取资源当前值
	Read(ctx context.Context, resource string) (string, error)
	// 写入资源新值
	Write(ctx context.Context, resource string, value string) error
}
