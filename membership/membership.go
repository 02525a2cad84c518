// Package membership 定义集群成员事件源。
//
// 成员事件源负责故障检测与元数据传播，meshcall 只消费它产生的
// Joined/Updated/Left/Failed 事件流，并通过 Publish 把本节点的元数据（编码后的端点）
// 广播给其它成员。同一事件源的事件按发生顺序投递。
//
// 内置两种实现：
//   - NewEtcd：每个成员在 <namespace>/<memberID> 下写入带租约的 key，Watch 前缀得到事件
//   - NewHub：进程内的成员总线，用于测试和单进程部署
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/meshcall/xerrors"
)

// EventType 成员事件类型
type EventType int

const (
	Joined EventType = iota
	Updated
	Left
	Failed
)

func (t EventType) String() string {
	switch t {
	case Joined:
		return "joined"
	case Updated:
		return "updated"
	case Left:
		return "left"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event 成员事件。Left/Failed 事件的 Metadata 为空。
type Event struct {
	Type      EventType
	MemberID  string
	Metadata  []byte
	Timestamp time.Time
}

// Source 成员事件源
type Source interface {
	// Subscribe 返回事件通道：先是已存在成员的 Joined，然后是后续变化。
	// ctx 结束或 Close 后通道关闭。
	Subscribe(ctx context.Context) (<-chan Event, error)
	// Publish 设置或替换本成员的元数据，首次发布对其它成员表现为 Joined
	Publish(ctx context.Context, metadata []byte) error
	// Unpublish 尽力而为地离开集群
	Unpublish(ctx context.Context) error
	LocalID() string
	Close() error
}

var (
	ErrClosed        = xerrors.New("membership: source closed")
	ErrEmptyMemberID = xerrors.New("membership: member id is empty")
	ErrNotPublished  = xerrors.New("membership: not published")
)
