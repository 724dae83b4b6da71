package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements Queue on Redis lists. Each channel is a list fed with
// LPUSH and drained from the right with BLMOVE into a processing list owned
// by this consumer, so a message a worker dies holding is still in Redis.
// A consumer keeps a lease key alive while it runs; Recover returns the
// processing lists of consumers whose lease is gone.
type Redis struct {
	client   *redis.Client
	prefix   string
	consumer string
	lease    time.Duration

	registered sync.Map // channel -> struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Lease    time.Duration // consumer liveness window (default 5m)
}

const defaultRedisLease = 5 * time.Minute

type redisEnvelope struct {
	ID         string    `json:"id"`
	Body       []byte    `json:"body"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	r := &Redis{
		client:   client,
		prefix:   opts.Prefix,
		consumer: uuid.NewString(),
		lease:    opts.Lease,
		stop:     make(chan struct{}),
	}
	if r.lease <= 0 {
		r.lease = defaultRedisLease
	}
	if err := r.renew(ctx); err != nil {
		client.Close()
		return nil, err
	}
	r.wg.Add(1)
	go r.heartbeat()
	return r, nil
}

func (r *Redis) leaseKey(consumer string) string {
	return r.prefix + ":consumer:" + consumer
}

func (r *Redis) consumersKey(channel string) string {
	return r.prefix + ":" + channel + ":consumers"
}

func (r *Redis) renew(ctx context.Context) error {
	if err := r.client.Set(ctx, r.leaseKey(r.consumer), time.Now().UTC().Format(time.RFC3339), r.lease).Err(); err != nil {
		return fmt.Errorf("renewing consumer lease: %w", err)
	}
	return nil
}

// heartbeat keeps the lease alive until Close.
func (r *Redis) heartbeat() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.lease/3)
			_ = r.renew(ctx)
			cancel()
		}
	}
}

// register records this consumer under channel so Recover can find its
// processing list.
func (r *Redis) register(ctx context.Context, channel string) error {
	if _, ok := r.registered.Load(channel); ok {
		return nil
	}
	if err := r.client.SAdd(ctx, r.consumersKey(channel), r.consumer).Err(); err != nil {
		return fmt.Errorf("registering consumer on %s: %w", channel, err)
	}
	r.registered.Store(channel, struct{}{})
	return nil
}

func (r *Redis) key(channel string) string {
	return r.prefix + ":" + channel
}

func (r *Redis) processingKey(channel string) string {
	return r.processingKeyOf(channel, r.consumer)
}

func (r *Redis) processingKeyOf(channel, consumer string) string {
	return r.prefix + ":" + channel + ":processing:" + consumer
}

// Publish pushes a message onto the channel list.
func (r *Redis) Publish(ctx context.Context, channel string, body []byte) error {
	raw, err := json.Marshal(redisEnvelope{
		ID:         uuid.NewString(),
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return r.client.LPush(ctx, r.key(channel), raw).Err()
}

// Receive moves the oldest message into the processing list and returns it.
func (r *Redis) Receive(ctx context.Context, channel string, wait time.Duration) (*Message, error) {
	// BLMOVE takes whole seconds here; anything below one would block forever
	if wait < time.Second {
		wait = time.Second
	}
	if err := r.register(ctx, channel); err != nil {
		return nil, err
	}
	raw, err := r.client.BLMove(ctx, r.key(channel), r.processingKey(channel), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", channel, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison entry: drop it from processing so it cannot wedge the channel
		r.client.LRem(ctx, r.processingKey(channel), 1, raw)
		return nil, fmt.Errorf("decoding envelope on %s: %w", channel, err)
	}
	return &Message{
		ID:         env.ID,
		Channel:    channel,
		Body:       env.Body,
		Attempts:   env.Attempts + 1,
		EnqueuedAt: env.EnqueuedAt,
		receipt:    raw,
	}, nil
}

// Ack removes the message from the processing list.
func (r *Redis) Ack(ctx context.Context, msg *Message) error {
	n, err := r.client.LRem(ctx, r.processingKey(msg.Channel), 1, msg.receipt).Result()
	if err != nil {
		return fmt.Errorf("acking %s: %w", msg.ID, err)
	}
	if n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Nack returns the message to the consuming end of its channel with the
// attempt recorded.
func (r *Redis) Nack(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(redisEnvelope{
		ID:         msg.ID,
		Body:       msg.Body,
		Attempts:   msg.Attempts,
		EnqueuedAt: msg.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	var removed *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, r.processingKey(msg.Channel), 1, msg.receipt)
		pipe.RPush(ctx, r.key(msg.Channel), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nacking %s: %w", msg.ID, err)
	}
	if removed.Val() == 0 {
		// Someone recovered it already; undo our push to avoid a duplicate
		r.client.LRem(ctx, r.key(msg.Channel), 1, raw)
		return ErrUnknownReceipt
	}
	return nil
}

// Len returns the number of waiting messages.
func (r *Redis) Len(ctx context.Context, channel string) (int64, error) {
	return r.client.LLen(ctx, r.key(channel)).Result()
}

// Peek returns up to limit waiting messages, oldest first.
func (r *Redis) Peek(ctx context.Context, channel string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := r.client.LRange(ctx, r.key(channel), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("peeking %s: %w", channel, err)
	}

	out := make([]Message, 0, len(raws))
	// The oldest entry sits at the right end
	for i := len(raws) - 1; i >= 0; i-- {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raws[i]), &env); err != nil {
			continue
		}
		out = append(out, Message{
			ID:         env.ID,
			Channel:    channel,
			Body:       env.Body,
			Attempts:   env.Attempts,
			EnqueuedAt: env.EnqueuedAt,
		})
	}
	return out, nil
}

// Recover returns to the channel the in-flight messages of every consumer
// whose lease has lapsed, and any this consumer still holds. Call it at
// startup, before any worker of this channel is running. Messages held by
// live consumers are left alone.
func (r *Redis) Recover(ctx context.Context, channel string) (int, error) {
	consumers, err := r.client.SMembers(ctx, r.consumersKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("listing consumers of %s: %w", channel, err)
	}

	moved := 0
	for _, consumer := range consumers {
		if consumer != r.consumer {
			alive, err := r.client.Exists(ctx, r.leaseKey(consumer)).Result()
			if err != nil {
				return moved, fmt.Errorf("checking lease of %s: %w", consumer, err)
			}
			if alive > 0 {
				continue
			}
		}
		n, err := r.drain(ctx, channel, consumer)
		moved += n
		if err != nil {
			return moved, err
		}
		if consumer != r.consumer {
			if err := r.client.SRem(ctx, r.consumersKey(channel), consumer).Err(); err != nil {
				return moved, fmt.Errorf("forgetting consumer %s: %w", consumer, err)
			}
		}
	}
	return moved, nil
}

// drain moves one consumer's processing list back to the consuming end of
// the channel.
func (r *Redis) drain(ctx context.Context, channel, consumer string) (int, error) {
	moved := 0
	for {
		_, err := r.client.LMove(ctx, r.processingKeyOf(channel, consumer), r.key(channel), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recovering %s from %s: %w", channel, consumer, err)
		}
		moved++
	}
}

// Close stops the heartbeat, releases the lease and closes the client. A
// message still in flight becomes recoverable by the next consumer to start.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		delErr := r.client.Del(ctx, r.leaseKey(r.consumer)).Err()
		r.closeErr = errors.Join(delErr, r.client.Close())
	})
	return r.closeErr
}

var (
	_ Queue     = (*Redis)(nil)
	_ Recoverer = (*Redis)(nil)
)
