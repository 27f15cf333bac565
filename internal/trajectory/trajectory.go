// Package trajectory records every orchestration iteration to durable sinks
// for later inspection.
package trajectory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/config"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/redis/go-redis/v9"
)

// Event is one completed iteration of one run.
type Event struct {
	RunID       string        `json:"run_id"`
	Index       int           `json:"index"`
	Response    string        `json:"response"`
	Code        []string      `json:"code,omitempty"`
	FinalAnswer string        `json:"final_answer,omitempty"`
	Usage       usage.Summary `json:"usage"`
	Duration    time.Duration `json:"duration"`
	Time        time.Time     `json:"time"`
}

// Sink persists events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// FileSink appends events as JSON lines.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens path for appending, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trajectory file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Record implements Sink.
func (s *FileSink) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// StreamAdder is the slice of the redis client RedisSink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a capped redis stream.
type RedisSink struct {
	rdb    StreamAdder
	stream string
	maxLen int64
	close  func() error
}

// NewRedisSink writes to stream through rdb. maxLen caps the stream
// approximately; zero leaves it unbounded.
func NewRedisSink(rdb StreamAdder, stream string, maxLen int64) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Record implements Sink.
func (s *RedisSink) Record(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"run_id": ev.RunID,
			"index":  ev.Index,
			"event":  string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close implements Sink. It closes the redis client only when Open created it.
func (s *RedisSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// MultiSink fans every event out to several sinks.
type MultiSink []Sink

// Record implements Sink. Every sink is tried; errors are joined.
func (m MultiSink) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the sinks cfg enables. It returns nil when none is enabled.
func Open(ctx context.Context, cfg config.TrajectoryConfig) (Sink, error) {
	var sinks MultiSink
	if cfg.Path != "" {
		fs, err := NewFileSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			_ = sinks.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rs := NewRedisSink(rdb, cfg.RedisStream, cfg.RedisMaxLen)
		rs.close = rdb.Close
		sinks = append(sinks, rs)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}
