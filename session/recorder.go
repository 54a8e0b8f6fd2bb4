package session

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

const activeSessionsKey = "active_sessions"

func sessionKey(id string) string    { return "session:" + id }
func transcriptKey(id string) string { return "session:" + id + ":transcript" }

// Recorder mirrors session lifecycle and transcript into Redis. A nil or
// disabled recorder accepts every call and stores nothing.
type Recorder struct {
	redis *redis.Client
	ttl   time.Duration
	log   pslog.Logger
}

// NewRecorder connects to Redis. addr may be host:port or a redis:// URL.
// When Redis cannot be reached the recorder is returned disabled.
func NewRecorder(ctx context.Context, addr, password string, ttl time.Duration, log pslog.Logger) *Recorder {
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("component", "recorder")
	r := &Recorder{ttl: ttl, log: log}
	if addr == "" {
		log.Info("session recording disabled", "reason", "no redis address")
		return r
	}

	opts := &redis.Options{Addr: addr, Password: password, DB: 0}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			log.Warn("session recording disabled", "reason", "bad redis url", "err", err)
			return r
		}
		if password != "" {
			parsed.Password = password
		}
		opts = parsed
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		log.Warn("session recording disabled", "reason", "redis unavailable", "err", err)
		return r
	}
	r.redis = client
	log.Info("🗄️ session recording enabled", "addr", opts.Addr)
	return r
}

// Enabled reports whether writes reach Redis.
func (r *Recorder) Enabled() bool {
	return r != nil && r.redis != nil
}

// Start records a new tutoring session.
func (r *Recorder) Start(ctx context.Context, id string, at time.Time) {
	if !r.Enabled() {
		return
	}
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, sessionKey(id), map[string]any{
			"created_at":    at.Format(time.RFC3339),
			"last_activity": at.Format(time.RFC3339),
			"status":        "active",
		})
		p.SAdd(ctx, activeSessionsKey, id)
		r.expire(ctx, p, id)
		return nil
	})
	r.logErr("start", id, err)
}

// Transcript appends a final transcript line.
func (r *Recorder) Transcript(ctx context.Context, id, speaker, text string, at time.Time) {
	if !r.Enabled() || text == "" {
		return
	}
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, transcriptKey(id), speaker+": "+text)
		p.HSet(ctx, sessionKey(id), "last_activity", at.Format(time.RFC3339))
		r.expire(ctx, p, id)
		return nil
	})
	r.logErr("transcript", id, err)
}

// Answer records a question outcome on the session hash.
func (r *Recorder) Answer(ctx context.Context, id, questionID string, correct bool) {
	if !r.Enabled() {
		return
	}
	field := "answered:" + questionID
	err := r.redis.HSet(ctx, sessionKey(id), field, correct).Err()
	r.logErr("answer", id, err)
}

// End marks the session ended and removes it from the active set. The
// record itself expires with the TTL.
func (r *Recorder) End(ctx context.Context, id string, at time.Time) {
	if !r.Enabled() {
		return
	}
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, sessionKey(id), map[string]any{
			"status":   "ended",
			"ended_at": at.Format(time.RFC3339),
		})
		p.SRem(ctx, activeSessionsKey, id)
		r.expire(ctx, p, id)
		return nil
	})
	r.logErr("end", id, err)
}

// Close releases the Redis connection.
func (r *Recorder) Close() error {
	if !r.Enabled() {
		return nil
	}
	return r.redis.Close()
}

func (r *Recorder) expire(ctx context.Context, p redis.Pipeliner, id string) {
	if r.ttl <= 0 {
		return
	}
	p.Expire(ctx, sessionKey(id), r.ttl)
	p.Expire(ctx, transcriptKey(id), r.ttl)
}

func (r *Recorder) logErr(op, id string, err error) {
	if err != nil {
		r.log.Warn("session record write failed", "op", op, "session", id, "err", err)
	}
}
