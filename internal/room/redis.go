package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisChannelPrefix = "lovesync:room:"
	publishQueue       = 1024
	publishTimeout     = 5 * time.Second
)

var (
	ErrClosed           = errors.New("broadcaster closed")
	ErrPublishQueueFull = errors.New("publish queue full")
)

// redisMessage is an event as published on a room channel. Origin names
// the process that published it.
type redisMessage struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

type publication struct {
	channel string
	payload []byte
}

// Redis shares rooms between server processes. Send hands an event to the
// members in this process straight away and queues it for a background
// publisher, so it never waits on the network. The process subscribes to
// a room's channel while it has local members and hands events published
// by other processes to its Local registry.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *Local
	log    *slog.Logger
	origin string

	// serializes subscribe/unsubscribe against membership changes
	mu sync.Mutex

	outbox    chan publication
	quit      chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

func NewRedis(ctx context.Context, client *redis.Client, log *slog.Logger) *Redis {
	r := &Redis{
		client: client,
		pubsub: client.Subscribe(ctx),
		local:  NewLocal(),
		log:    log,
		origin: uuid.NewString(),
		outbox: make(chan publication, publishQueue),
		quit:   make(chan struct{}),
	}
	r.done.Add(2)
	go r.run()
	go r.publishLoop()
	return r
}

func channelName(roomKey string) string {
	return redisChannelPrefix + roomKey
}

func (r *Redis) run() {
	defer r.done.Done()
	for msg := range r.pubsub.Channel() {
		r.receive(msg.Channel, []byte(msg.Payload))
	}
}

// receive delivers an event published by another process. Events this
// process published were delivered locally by Send already.
func (r *Redis) receive(channel string, payload []byte) {
	var msg redisMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Error("dropping undecodable room event", "channel", channel, "err", err)
		return
	}
	if msg.Origin == r.origin {
		return
	}
	r.local.deliver(msg.Event)
}

func (r *Redis) publishLoop() {
	defer r.done.Done()
	for {
		select {
		case p := <-r.outbox:
			r.publish(p)
		case <-r.quit:
			for {
				select {
				case p := <-r.outbox:
					r.publish(p)
				default:
					return
				}
			}
		}
	}
}

func (r *Redis) publish(p publication) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, p.channel, p.payload).Err(); err != nil {
		r.log.Warn("publish room event", "channel", p.channel, "err", err)
	}
}

func (r *Redis) Join(ctx context.Context, roomKey string, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local.join(roomKey, m) {
		if err := r.pubsub.Subscribe(ctx, channelName(roomKey)); err != nil {
			r.local.leave(roomKey, m)
			return err
		}
		r.log.Debug("subscribed", "room", roomKey)
	}
	return nil
}

func (r *Redis) Leave(ctx context.Context, roomKey string, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local.leave(roomKey, m) {
		r.log.Debug("unsubscribed", "room", roomKey)
		return r.pubsub.Unsubscribe(ctx, channelName(roomKey))
	}
	return nil
}

func (r *Redis) Send(_ context.Context, ev Event) error {
	select {
	case <-r.quit:
		return ErrClosed
	default:
	}
	r.local.deliver(ev)
	payload, err := json.Marshal(redisMessage{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	select {
	case r.outbox <- publication{channel: channelName(ev.Room), payload: payload}:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

// Close flushes queued events and stops receiving.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.quit)
		err = r.pubsub.Close()
		r.done.Wait()
	})
	return err
}

var _ Broadcaster = (*Redis)(nil)
