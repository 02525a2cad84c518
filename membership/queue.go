package membership

import (
	"context"
	"sync"
)

// queue 无界有序队列，把事件按入队顺序转发到 out。
// 生产者永不阻塞，消费者慢时事件在内存中排队。
type queue struct {
	mu      sync.Mutex
	items   []Event
	stopped bool
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	out     chan Event
}

func newQueue(ctx context.Context) *queue {
	q := &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go q.pump(ctx)
	return q
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close 停止转发并丢弃尚未投递的事件，之后的 push 被忽略
func (q *queue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *queue) pump(ctx context.Context) {
	defer close(q.out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		for _, ev := range items {
			select {
			case q.out <- ev:
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}
