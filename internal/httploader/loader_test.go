package httploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/version"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

func segmentAt(u string) models.Segment {
	return models.NewSegment(1, u, nil, 0, 4*time.Second)
}

func TestLoader_Fetch(t *testing.T) {
	t.Run("returns body and reports progress", func(t *testing.T) {
		body := bytes.Repeat([]byte("a"), 100*1024)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, version.UserAgent(), r.Header.Get(HeaderUserAgent))
			assert.Empty(t, r.Header.Get(HeaderRange))
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write(body)
		}))
		defer server.Close()

		l := New(fastConfig(), nil, nil)
		var last int64
		data, err := l.Fetch(context.Background(), segmentAt(server.URL+"/1.ts"), func(received, total int64) {
			assert.GreaterOrEqual(t, received, last)
			assert.Equal(t, int64(len(body)), total)
			last = received
		})
		require.NoError(t, err)
		assert.Equal(t, body, data)
		assert.Equal(t, int64(len(body)), last)
		assert.Equal(t, uint64(len(body)), l.Bandwidth().TotalBytes())
	})

	t.Run("sends range header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=10-19", r.Header.Get(HeaderRange))
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("0123456789"))
		}))
		defer server.Close()

		seg := models.NewSegment(1, server.URL+"/all.ts", &models.ByteRange{Start: 10, End: 19}, 0, time.Second)
		data, err := New(fastConfig(), nil, nil).Fetch(context.Background(), seg, nil)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	})

	t.Run("cuts range from full response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("0123456789ABCDEFGHIJ"))
		}))
		defer server.Close()

		seg := models.NewSegment(1, server.URL+"/all.ts", &models.ByteRange{Start: 10, End: 14}, 0, time.Second)
		data, err := New(fastConfig(), nil, nil).Fetch(context.Background(), seg, nil)
		require.NoError(t, err)
		assert.Equal(t, "ABCDE", string(data))
	})

	t.Run("rejects responses that miss the range", func(t *testing.T) {
		tests := []struct {
			name   string
			status int
			body   string
		}{
			{"full body too short", http.StatusOK, "0123456789AB"},
			{"partial body wrong length", http.StatusPartialContent, "ABC"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					w.Write([]byte(tt.body))
				}))
				defer server.Close()

				seg := models.NewSegment(1, server.URL+"/all.ts", &models.ByteRange{Start: 10, End: 14}, 0, time.Second)
				_, err := New(fastConfig(), nil, nil).Fetch(context.Background(), seg, nil)
				assert.ErrorIs(t, err, ErrRangeMismatch)
			})
		}
	})
}

func TestLoader_Decompression(t *testing.T) {
	t.Run("gzip", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gz := gzip.NewWriter(w)
			gz.Write([]byte("segment bytes"))
			gz.Close()
		}))
		defer server.Close()

		data, err := New(fastConfig(), nil, nil).Fetch(context.Background(), segmentAt(server.URL), nil)
		require.NoError(t, err)
		assert.Equal(t, "segment bytes", string(data))
	})

	t.Run("brotli", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingBrotli)
			bw := brotli.NewWriter(w)
			bw.Write([]byte("segment bytes"))
			bw.Close()
		}))
		defer server.Close()

		data, err := New(fastConfig(), nil, nil).Fetch(context.Background(), segmentAt(server.URL), nil)
		require.NoError(t, err)
		assert.Equal(t, "segment bytes", string(data))
	})
}

func TestLoader_Retries(t *testing.T) {
	t.Run("retries on 503 then succeeds", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		data, err := New(fastConfig(), nil, nil).Fetch(context.Background(), segmentAt(server.URL), nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(data))
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("does not retry 404", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := New(fastConfig(), nil, nil).Fetch(context.Background(), segmentAt(server.URL), nil)
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusNotFound, se.Code)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("gives up after configured attempts", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 2
		cfg.CircuitThreshold = 100
		_, err := New(cfg, nil, nil).Fetch(context.Background(), segmentAt(server.URL), nil)
		require.Error(t, err)
		assert.Equal(t, int32(3), attempts.Load())
	})
}

func TestLoader_CircuitBreakerOpens(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 2
	cfg.CircuitTimeout = time.Minute
	l := New(cfg, nil, nil)

	for range 2 {
		_, err := l.Fetch(context.Background(), segmentAt(server.URL), nil)
		require.Error(t, err)
	}
	_, err := l.Fetch(context.Background(), segmentAt(server.URL), nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), attempts.Load())

	u, _ := url.Parse(server.URL)
	assert.Equal(t, "open", l.CircuitStates()[u.Host])
}

func TestLoader_ContextCancelAborts(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	data, err := New(fastConfig(), nil, nil).Fetch(ctx, segmentAt(server.URL), nil)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, models.ErrAborted)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.HTTPConfig{
		Timeout:          time.Second,
		RetryAttempts:    1,
		CircuitThreshold: 9,
		UserAgent:        "player/2",
	})
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.RetryAttempts)
	assert.Equal(t, 9, cfg.CircuitThreshold)
	assert.Equal(t, DefaultCircuitTimeout, cfg.CircuitTimeout)
	assert.Equal(t, "player/2", cfg.UserAgent)
}
