package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamKey is the Redis stream every RedisSink event is appended to.
const StreamKey = "wpsupervisor:audit"

// RedisSink publishes one XADD per event to a Redis stream. Dial/pool/
// timeout options are set explicitly rather than left at client defaults,
// but scoped to the single write path an audit sink needs rather than a
// general-purpose client wrapper.
type RedisSink struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisSink dials addr and returns a ready-to-use sink. The connection
// is verified with a short-timeout PING, but a failed ping does not
// prevent construction: Record best-effort publishes and logs failures
// rather than blocking supervisor startup on an unreachable audit backend.
func NewRedisSink(addr string, db int, log *zap.Logger) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MaxRetries:   3,
	})

	sink := &RedisSink{client: client, log: log.Named("audit-redis")}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		sink.log.Warn("audit redis ping failed; continuing best-effort", zap.String("addr", addr), zap.Error(err))
	} else {
		sink.log.Info("audit redis connection established", zap.String("addr", addr))
	}

	return sink
}

// Record appends ev to the audit stream. Failures are logged, never
// returned: an unreachable audit sink must not affect command execution.
func (s *RedisSink) Record(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]any{
			"session_id": ev.SessionID.String(),
			"command":    ev.Command,
			"timestamp":  strconv.FormatInt(ev.Timestamp.Unix(), 10),
			"success":    strconv.FormatBool(ev.Success),
			"detail":     ev.Detail,
		},
	}).Err()
	if err != nil {
		s.log.Warn("failed to publish audit event", zap.String("command", ev.Command), zap.Error(err))
	}
}

// Close releases the underlying Redis connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

var _ Sink = (*RedisSink)(nil)
