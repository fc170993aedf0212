package storage

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// unreachableRedis points at a closed port so every command fails fast.
func unreachableRedis(t *testing.T) (*Redis, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := &Redis{client: client, namespace: "autofix:", tracer: tp.Tracer("test"), logger: testLogger()}
	t.Cleanup(func() { _ = r.Close() })
	return r, recorder
}

func TestRedisFailuresAreRecordedOnSpans(t *testing.T) {
	r, recorder := unreachableRedis(t)
	ctx := context.Background()

	_, _, err := r.Get(ctx, "requests")
	assert.Error(t, err)
	assert.Error(t, r.Set(ctx, "requests", "[]"))
	assert.Error(t, r.Remove(ctx, "requests"))
	assert.Error(t, r.Clear(ctx))

	spans := recorder.Ended()
	require.Len(t, spans, 4)
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
		assert.Equal(t, codes.Error, span.Status().Code, span.Name())
		assert.NotEmpty(t, span.Events(), span.Name())
	}
	assert.Equal(t, []string{"RedisGet", "RedisSet", "RedisRemove", "RedisClear"}, names)
}

func TestRedisKeysAreNamespaced(t *testing.T) {
	r, _ := unreachableRedis(t)
	assert.Equal(t, "autofix:currentUser", r.key("currentUser"))
}
