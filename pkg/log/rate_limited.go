// Copyright 2026 The vmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"time"

	"golang.org/x/time/rate"
	"portalkernel.dev/vmcore/pkg/atomicbitops"
	"portalkernel.dev/vmcore/pkg/sync"
)

// rateLimitedLogger forwards at most one message per interval. Dropped
// messages are counted and the count is appended to the next message that
// gets through.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomicbitops.Uint64
}

func (rl *rateLimitedLogger) emit(fn func(string, ...any), format string, v []any) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return
	}
	if n := rl.dropped.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		v = append(v[:len(v):len(v)], n)
	}
	fn(format, v...)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) {
		rl.emit(rl.logger.Debugf, format, v)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.emit(rl.logger.Infof, format, v)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(rl.logger.Warningf, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// KeyedRateLimiter hands out one rate-limited Logger per key, so a storm
// from one source does not hide messages from the others.
type KeyedRateLimiter[K comparable] struct {
	logger Logger
	every  time.Duration

	mu    sync.Mutex
	byKey map[K]Logger
}

// NewKeyedRateLimiter returns a KeyedRateLimiter whose loggers write to
// logger at most once per every.
func NewKeyedRateLimiter[K comparable](logger Logger, every time.Duration) *KeyedRateLimiter[K] {
	return &KeyedRateLimiter[K]{
		logger: logger,
		every:  every,
		byKey:  make(map[K]Logger),
	}
}

// For returns the logger for key, creating it on first use.
func (k *KeyedRateLimiter[K]) For(key K) Logger {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.byKey[key]
	if !ok {
		l = RateLimitedLogger(k.logger, k.every)
		k.byKey[key] = l
	}
	return l
}
