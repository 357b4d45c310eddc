package service

import (
	"errors"
	"log/slog"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errPanic = errors.New("task panicked")

// readSnapshot decodes the cached value of key. A value that does not decode
// is dropped and reported as a miss.
func readSnapshot[T any](env Env, key string) (T, bool) {
	var v T
	raw, ok := env.Cache.Get(key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		env.Logger.Warn("Dropping corrupt snapshot", slog.String("key", key), slog.Any("error", err))
		env.Cache.Delete(key)
		var zero T
		return zero, false
	}
	return v, true
}

// writeSnapshot replaces the cached value of key
func writeSnapshot(env Env, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		env.Logger.Warn("Failed to encode snapshot", slog.String("key", key), slog.Any("error", err))
		return
	}
	env.Cache.Set(key, raw)
}
