package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemap/pulsemap/internal/geo"
	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/processor"
	"github.com/pulsemap/pulsemap/internal/pubsub"
	"github.com/pulsemap/pulsemap/internal/store/storetest"
	"github.com/pulsemap/pulsemap/internal/subscription"
	"github.com/pulsemap/pulsemap/internal/viewport"
)

type hubFixture struct {
	hub      *Hub
	proc     *processor.EventProcessor
	subs     *subscription.Manager
	durable  *storetest.Memory
	backbone *pubsub.MemoryBackbone
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	log := zerolog.Nop()
	durable := storetest.NewMemory()
	subs := subscription.NewManager(durable, log)
	proc := processor.New(geo.NewSpatialIndex(log), viewport.NewManager(), subs, log)
	backbone := pubsub.NewMemoryBackbone()
	hub := NewHub(context.Background(), proc, subs, durable, backbone, 16, log)
	return &hubFixture{hub: hub, proc: proc, subs: subs, durable: durable, backbone: backbone}
}

// addClient attaches a pump-less client; tests read frames straight off the
// send buffer.
func (f *hubFixture) addClient(id string) *Client {
	c := newClient(id, f.hub, nil, 16, zerolog.Nop())
	f.hub.mu.Lock()
	f.hub.clients[id] = c
	f.hub.mu.Unlock()
	return c
}

func recvFrame(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case raw := <-c.send:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func TestViewportUpdateSendsSnapshot(t *testing.T) {
	f := newHubFixture(t)
	f.proc.OnEventMutated(&model.Event{
		ID:       "e1",
		Location: &model.Point{Lng: 0, Lat: 0},
	})
	c := f.addClient("c1")

	f.hub.handleInbound(c, []byte(`{"type":"viewport_update","viewport":{"west":-10,"south":-10,"east":10,"north":10}}`))

	frame := recvFrame(t, c)
	assert.Equal(t, MsgReplaceAll, frame["type"])
	events := frame["events"].([]interface{})
	require.Len(t, events, 1)
}

func TestInvalidViewportDroppedSilently(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient("c1")

	// west >= east: rejected without an error reply
	f.hub.handleInbound(c, []byte(`{"type":"viewport_update","viewport":{"west":10,"south":-10,"east":-10,"north":10}}`))
	requireNoFrame(t, c)

	// missing viewport entirely
	f.hub.handleInbound(c, []byte(`{"type":"viewport_update"}`))
	requireNoFrame(t, c)
}

func TestMalformedMessageGetsErrorReply(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient("c1")

	f.hub.handleInbound(c, []byte(`{not json`))
	frame := recvFrame(t, c)
	assert.Equal(t, MsgError, frame["type"])

	f.hub.handleInbound(c, []byte(`{"type":"mystery"}`))
	frame = recvFrame(t, c)
	assert.Equal(t, MsgError, frame["type"])
}

func TestCreateSubscriptionWithCatchUp(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient("c1")
	f.hub.handleInbound(c, []byte(`{"type":"viewport_update","viewport":{"west":-10,"south":-10,"east":10,"north":10}}`))
	recvFrame(t, c) // snapshot
	f.proc.OnEventMutated(&model.Event{ID: "e1", Location: &model.Point{Lng: 0, Lat: 0}})

	f.hub.handleInbound(c, []byte(`{"type":"create_subscription","filter":{},"name":"everything"}`))

	created := recvFrame(t, c)
	assert.Equal(t, MsgSubscriptionCreated, created["type"])
	catchUp := recvFrame(t, c)
	assert.Equal(t, MsgAddEvent, catchUp["type"])

	f.hub.handleInbound(c, []byte(`{"type":"list_subscriptions"}`))
	list := recvFrame(t, c)
	assert.Equal(t, MsgSubscriptionList, list["type"])
	require.Len(t, list["subscriptions"].([]interface{}), 1)
}

func TestUpdateAndDeleteSubscription(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient("c1")
	sub, err := f.subs.CreateSubscription(context.Background(), "c1", model.EventFilter{}, nil)
	require.NoError(t, err)

	f.hub.handleInbound(c, []byte(`{"type":"update_subscription","subscriptionId":"`+sub.ID+`","filter":{"categories":["music"]}}`))
	frame := recvFrame(t, c)
	assert.Equal(t, MsgSubscriptionUpdated, frame["type"])

	f.hub.handleInbound(c, []byte(`{"type":"update_subscription","subscriptionId":"missing","filter":{}}`))
	frame = recvFrame(t, c)
	assert.Equal(t, MsgError, frame["type"])

	f.hub.handleInbound(c, []byte(`{"type":"delete_subscription","subscriptionId":"`+sub.ID+`"}`))
	frame = recvFrame(t, c)
	assert.Equal(t, MsgSubscriptionDeleted, frame["type"])
}

func TestIdentifyRejectsBadUserID(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient("c1")

	f.hub.handleInbound(c, []byte(`{"type":"client_identification","userId":"not-a-uuid"}`))
	frame := recvFrame(t, c)
	assert.Equal(t, MsgError, frame["type"])

	// UUIDv1 is not acceptable either
	f.hub.handleInbound(c, []byte(`{"type":"client_identification","userId":"f47ac10b-58cc-1372-a567-0e02b2c3d479"}`))
	frame = recvFrame(t, c)
	assert.Equal(t, MsgError, frame["type"])
}

func TestIdentifyOpensUserChannelAndDelivers(t *testing.T) {
	f := newHubFixture(t)
	userID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	c1 := f.addClient("c1")
	c2 := f.addClient("c2")

	require.NoError(t, f.hub.Identify(c1, userID))
	require.NoError(t, f.hub.Identify(c2, userID))

	env, _ := json.Marshal(Envelope{Type: "batch-update", Creates: []*model.Event{{ID: "e1"}}})
	require.NoError(t, f.backbone.Publish(context.Background(), pubsub.UserChannel(userID), env))

	// both devices of the user get the expanded frame
	for _, c := range []*Client{c1, c2} {
		frame := recvFrame(t, c)
		assert.Equal(t, MsgAddEvent, frame["type"])
	}
}

func TestIdentifyMaterializesStoredFilters(t *testing.T) {
	f := newHubFixture(t)
	userID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	require.NoError(t, f.durable.PutUserFilter(context.Background(), userID, &model.EventFilter{Categories: []string{"music"}}))

	c := f.addClient("c1")
	require.NoError(t, f.hub.Identify(c, userID))

	frame := recvFrame(t, c)
	assert.Equal(t, MsgSubscriptionCreated, frame["type"])
	subs := f.subs.GetClientSubscriptions("c1")
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"music"}, subs[0].Filter.Categories)
}

func TestUnregisterReleasesUserChannel(t *testing.T) {
	f := newHubFixture(t)
	userID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	c1 := f.addClient("c1")
	c2 := f.addClient("c2")
	require.NoError(t, f.hub.Identify(c1, userID))
	require.NoError(t, f.hub.Identify(c2, userID))

	f.hub.UnregisterClient(c1)

	f.hub.mu.Lock()
	_, stillSubscribed := f.hub.userSubs[userID]
	f.hub.mu.Unlock()
	assert.True(t, stillSubscribed, "channel stays open while a connection remains")

	f.hub.UnregisterClient(c2)

	f.hub.mu.Lock()
	_, stillSubscribed = f.hub.userSubs[userID]
	clientCount := len(f.hub.clients)
	f.hub.mu.Unlock()
	assert.False(t, stillSubscribed, "last disconnect releases the channel")
	assert.Equal(t, 0, clientCount)
}

func TestCountsAndSendToClients(t *testing.T) {
	f := newHubFixture(t)
	c1 := f.addClient("c1")
	f.addClient("c2")
	require.NoError(t, f.hub.Identify(c1, "f47ac10b-58cc-4372-a567-0e02b2c3d479"))

	clients, users := f.hub.Counts()
	assert.Equal(t, 2, clients)
	assert.Equal(t, 1, users)

	f.hub.SendToClients([]string{"c1", "ghost"}, DeleteEvent("e9"))
	frame := recvFrame(t, c1)
	assert.Equal(t, MsgDeleteEvent, frame["type"])
	assert.Equal(t, "e9", frame["id"])
}

// flakyBackbone fails a set number of subscribes before delegating.
type flakyBackbone struct {
	*pubsub.MemoryBackbone
	mu       sync.Mutex
	failSubs int
}

func (b *flakyBackbone) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	b.mu.Lock()
	if b.failSubs > 0 {
		b.failSubs--
		b.mu.Unlock()
		return nil, errors.New("backbone unavailable")
	}
	b.mu.Unlock()
	return b.MemoryBackbone.Subscribe(ctx, channel)
}

func TestSendAfterDisconnectIsDropped(t *testing.T) {
	f := newHubFixture(t)
	c := f.addClient("c1")
	f.hub.UnregisterClient(c)

	// a fan-out racing the disconnect drops the message, never panics
	c.Send([]byte(`{"type":"add-event"}`))
}

func TestDeliverDuringDisconnectChurn(t *testing.T) {
	f := newHubFixture(t)
	userID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	payload, _ := json.Marshal(Envelope{Type: MsgDeleteEvent, ID: "e1"})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.hub.Deliver(userID, payload)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		c := f.addClient(fmt.Sprintf("c%d", i))
		require.NoError(t, f.hub.Identify(c, userID))
		f.hub.UnregisterClient(c)
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeFailureKeepsChannelForRemainingClients(t *testing.T) {
	log := zerolog.Nop()
	durable := storetest.NewMemory()
	subs := subscription.NewManager(durable, log)
	proc := processor.New(geo.NewSpatialIndex(log), viewport.NewManager(), subs, log)
	backbone := &flakyBackbone{MemoryBackbone: pubsub.NewMemoryBackbone(), failSubs: 1}
	hub := NewHub(context.Background(), proc, subs, durable, backbone, 16, log)
	f := &hubFixture{hub: hub, proc: proc, subs: subs, durable: durable, backbone: backbone.MemoryBackbone}

	userID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	c1 := f.addClient("c1")
	c2 := f.addClient("c2")

	// first identification hits the subscribe failure, second one retries
	require.NoError(t, hub.Identify(c1, userID))
	require.NoError(t, hub.Identify(c2, userID))

	// c1 leaving must not tear down the channel c2 now depends on
	hub.UnregisterClient(c1)

	env, _ := json.Marshal(Envelope{Type: "batch-update", Deletes: []string{"e1"}})
	require.NoError(t, f.backbone.Publish(context.Background(), pubsub.UserChannel(userID), env))

	frame := recvFrame(t, c2)
	assert.Equal(t, MsgDeleteEvent, frame["type"])
}

func TestReidentifyMovesUserBinding(t *testing.T) {
	f := newHubFixture(t)
	firstUser := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	secondUser := "9b2e8d3a-1f60-4c5b-8a7d-2e4f6a8c0b1d"
	c := f.addClient("c1")

	require.NoError(t, f.hub.Identify(c, firstUser))
	require.NoError(t, f.hub.Identify(c, secondUser))

	f.hub.mu.Lock()
	_, firstBound := f.hub.userSubs[firstUser]
	second, secondBound := f.hub.userSubs[secondUser]
	f.hub.mu.Unlock()
	assert.False(t, firstBound, "old user channel must be released on re-identification")
	require.True(t, secondBound)
	assert.Equal(t, 1, second.refs)

	clients, users := f.hub.Counts()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, users)

	env, _ := json.Marshal(Envelope{Type: "batch-update", Creates: []*model.Event{{ID: "e1"}}})
	require.NoError(t, f.backbone.Publish(context.Background(), pubsub.UserChannel(secondUser), env))
	frame := recvFrame(t, c)
	assert.Equal(t, MsgAddEvent, frame["type"])

	require.NoError(t, f.backbone.Publish(context.Background(), pubsub.UserChannel(firstUser), env))
	time.Sleep(50 * time.Millisecond)
	requireNoFrame(t, c)
}

func TestConcurrentIdentifiesShareOneChannel(t *testing.T) {
	f := newHubFixture(t)
	userID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	c1 := f.addClient("c1")
	c2 := f.addClient("c2")

	var wg sync.WaitGroup
	for _, c := range []*Client{c1, c2} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			assert.NoError(t, f.hub.Identify(c, userID))
		}(c)
	}
	wg.Wait()

	f.hub.mu.Lock()
	us, ok := f.hub.userSubs[userID]
	f.hub.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 2, us.refs)
	assert.NotNil(t, us.sub)

	env, _ := json.Marshal(Envelope{Type: "batch-update", Creates: []*model.Event{{ID: "e1"}}})
	require.NoError(t, f.backbone.Publish(context.Background(), pubsub.UserChannel(userID), env))
	for _, c := range []*Client{c1, c2} {
		frame := recvFrame(t, c)
		assert.Equal(t, MsgAddEvent, frame["type"])
	}
}

func TestSlowClientDropsMessageNotConnection(t *testing.T) {
	f := newHubFixture(t)
	c := newClient("c1", f.hub, nil, 1, zerolog.Nop())
	f.hub.mu.Lock()
	f.hub.clients["c1"] = c
	f.hub.mu.Unlock()

	c.Send([]byte("one"))
	c.Send([]byte("two")) // buffer full: dropped, no panic, no disconnect

	f.hub.mu.Lock()
	_, stillConnected := f.hub.clients["c1"]
	f.hub.mu.Unlock()
	assert.True(t, stillConnected)
	assert.Equal(t, "one", string(<-c.send))
}
