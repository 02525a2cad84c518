package membership

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/meshcall/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for membership event")
		return Event{}
	}
}

func TestHub_Lifecycle(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")

	// a 先发布，b 订阅时收到已存在成员
	require.NoError(t, a.Publish(ctx, []byte("a1")))
	evs, err := b.Subscribe(ctx)
	require.NoError(t, err)

	ev := recv(t, evs)
	assert.Equal(t, Joined, ev.Type)
	assert.Equal(t, "a", ev.MemberID)
	assert.Equal(t, []byte("a1"), ev.Metadata)

	require.NoError(t, a.Publish(ctx, []byte("a2")))
	ev = recv(t, evs)
	assert.Equal(t, Updated, ev.Type)
	assert.Equal(t, []byte("a2"), ev.Metadata)

	require.NoError(t, a.Unpublish(ctx))
	ev = recv(t, evs)
	assert.Equal(t, Left, ev.Type)
	assert.Nil(t, ev.Metadata)

	// 重新发布视为新加入
	require.NoError(t, a.Publish(ctx, []byte("a3")))
	assert.Equal(t, Joined, recv(t, evs).Type)

	hub.Fail("a")
	ev = recv(t, evs)
	assert.Equal(t, Failed, ev.Type)
	assert.ErrorIs(t, a.Publish(ctx, nil), ErrClosed)
	assert.Empty(t, hub.Members())
}

func TestHub_OwnEventsNotDelivered(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a := hub.Join("a")
	evs, err := a.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, []byte("self")))
	require.NoError(t, hub.Join("b").Publish(ctx, []byte("b")))

	ev := recv(t, evs)
	assert.Equal(t, "b", ev.MemberID)
}

func TestHub_OrderPreserved(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	evs, err := b.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Publish(ctx, []byte{byte(i)}))
	}
	for i := 0; i < 100; i++ {
		ev := recv(t, evs)
		assert.Equal(t, []byte{byte(i)}, ev.Metadata)
	}
}

func TestHub_CloseClosesSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a := hub.Join("a")
	evs, err := a.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	select {
	case _, ok := <-evs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	_, err = a.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_SubscribeContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	evs, err := hub.Join("a").Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-evs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestHub_CancelledSubscriptionRemoved(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")

	kept, err := a.Subscribe(context.Background())
	require.NoError(t, err)
	for range 10 {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := a.Subscribe(ctx)
		require.NoError(t, err)
		cancel()
	}
	// 已取消的 ctx 同样不留下队列
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Subscribe(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return a.subscriptions() == 1 }, time.Second, 10*time.Millisecond)

	// 剩余订阅照常收到事件
	require.NoError(t, b.Publish(context.Background(), []byte("m")))
	ev := recv(t, kept)
	assert.Equal(t, Joined, ev.Type)
	assert.Equal(t, "b", ev.MemberID)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "event(9)", EventType(9).String())
}

func TestEtcd_Membership(t *testing.T) {
	conn := testkit.GetEtcdConnector(t)
	ctx := context.Background()
	cfg := &EtcdConfig{Namespace: "/meshcall-test/" + testkit.NewID(), TTL: 2 * time.Second}

	a, err := NewEtcd(conn, "a", cfg, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEtcd(conn, "b", cfg, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Publish(ctx, []byte("a1")))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	evs, err := b.Subscribe(subCtx)
	require.NoError(t, err)

	ev := recv(t, evs)
	assert.Equal(t, Joined, ev.Type)
	assert.Equal(t, "a", ev.MemberID)
	assert.Equal(t, []byte("a1"), ev.Metadata)

	require.NoError(t, a.Publish(ctx, []byte("a2")))
	ev = recv(t, evs)
	assert.Equal(t, Updated, ev.Type)
	assert.Equal(t, []byte("a2"), ev.Metadata)

	require.NoError(t, a.Unpublish(ctx))
	ev = recv(t, evs)
	assert.Equal(t, Left, ev.Type)
	assert.Equal(t, "a", ev.MemberID)
}

func TestEtcd_Validation(t *testing.T) {
	_, err := NewEtcd(nil, "a", nil)
	assert.Error(t, err)

	conn := testkit.GetEtcdConnector(t)
	_, err = NewEtcd(conn, "", nil)
	assert.ErrorIs(t, err, ErrEmptyMemberID)
	_, err = NewEtcd(conn, "a", &EtcdConfig{TTL: 100 * time.Millisecond})
	assert.Error(t, err)
}
