package fsqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
	"github.com/tunnelmesh/coldtier/testutil"
)

func newTestQueue(t *testing.T, mutate ...func(*Config)) *Queue {
	t.Helper()
	cfg := Config{
		Dir:         t.TempDir(),
		Logger:      zerolog.Nop(),
		InitBackoff: time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

// collect runs the consumer once and returns the bodies of every batch.
func collect(t *testing.T, q *Queue, topic string, commit bool) [][]string {
	t.Helper()
	var batches [][]string
	err := q.Consumer().Run(context.Background(), topic, func(_ context.Context, b *Batch) error {
		var bodies []string
		for msg, err := range b.All() {
			require.NoError(t, err)
			bodies = append(bodies, msg.Body)
		}
		batches = append(batches, bodies)
		if commit {
			b.Commit()
		}
		return nil
	})
	require.NoError(t, err)
	return batches
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSendThenRun_DeliversInOrderOnce(t *testing.T) {
	q := newTestQueue(t)
	p := q.Producer()
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	require.NoError(t, p.Send(ctx, "migrate", []string{"/a", "/b"}))
	require.NoError(t, p.Send(ctx, "migrate", []string{"/c"}))
	require.NoError(t, p.Send(ctx, "migrate", nil))
	require.NoError(t, p.Disconnect())

	assert.Equal(t, [][]string{{"/a", "/b", "/c"}}, collect(t, q, "migrate", true))
	assert.Empty(t, collect(t, q, "migrate", true), "nothing delivered twice")
}

func TestEndToEnd_QueueDrainsCompletely(t *testing.T) {
	q := newTestQueue(t)
	p := q.Producer()
	ctx := context.Background()

	require.NoError(t, p.Send(ctx, "migrate", []string{"/a", "/b", "/c"}))
	require.NoError(t, p.Disconnect())

	migrated := map[string]bool{}
	err := q.Consumer().Run(ctx, "migrate", func(_ context.Context, b *Batch) error {
		for msg, err := range b.All() {
			if err != nil {
				return err
			}
			migrated[msg.Body] = true
		}
		b.Commit()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"/a": true, "/b": true, "/c": true}, migrated)
	assert.Empty(t, listDir(t, q.TopicDir("migrate")))

	batches := 0
	err = q.Consumer().Run(ctx, "migrate", func(context.Context, *Batch) error {
		batches++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, batches)
}

func TestRun_SkipsFileHeldByProducer(t *testing.T) {
	q := newTestQueue(t)
	p := q.Producer()
	ctx := context.Background()

	require.NoError(t, p.Send(ctx, "restore", []string{"/held"}))

	calls := 0
	err := q.Consumer().Run(ctx, "restore", func(context.Context, *Batch) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls, "exclusive lock must fail while the producer holds its shared lock")

	pending, err := q.Pending("restore")
	require.NoError(t, err)
	require.Len(t, pending, 1, "rotated file kept for the next run")

	require.NoError(t, p.Disconnect())
	assert.Equal(t, [][]string{{"/held"}}, collect(t, q, "restore", true))
}

func TestRun_FailedBatchIsRedelivered(t *testing.T) {
	q := newTestQueue(t)
	p := q.Producer()
	ctx := context.Background()
	require.NoError(t, p.Send(ctx, "migrate", []string{"/x", "/y"}))
	require.NoError(t, p.Disconnect())

	boom := errors.New("archive offline")
	var first []string
	err := q.Consumer().Run(ctx, "migrate", func(_ context.Context, b *Batch) error {
		for msg, err := range b.All() {
			require.NoError(t, err)
			first = append(first, msg.Body)
		}
		b.Commit()
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"/x", "/y"}, first)

	pending, err := q.Pending("migrate")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	assert.Equal(t, [][]string{{"/x", "/y"}}, collect(t, q, "migrate", true))
}

func TestRun_UncommittedBatchIsKept(t *testing.T) {
	q := newTestQueue(t)
	p := q.Producer()
	ctx := context.Background()
	require.NoError(t, p.Send(ctx, "migrate", []string{"/keep"}))
	require.NoError(t, p.Disconnect())

	assert.Equal(t, [][]string{{"/keep"}}, collect(t, q, "migrate", false))
	assert.Equal(t, [][]string{{"/keep"}}, collect(t, q, "migrate", true))
	assert.Empty(t, collect(t, q, "migrate", true))
}

func TestRun_RotationNameCollision(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	q := newTestQueue(t, func(c *Config) { c.Now = func() time.Time { return now } })
	ctx := context.Background()

	dir := q.TopicDir("migrate")
	line, err := encodeEntry("/old", now)
	require.NoError(t, err)
	testutil.TempFile(t, dir, queueFileName(now.UnixMilli()), string(line))

	p := q.Producer()
	require.NoError(t, p.Send(ctx, "migrate", []string{"/new"}))
	require.NoError(t, p.Disconnect())

	var rotatedNames []string
	var bodies []string
	err = q.Consumer().Run(ctx, "migrate", func(_ context.Context, b *Batch) error {
		rotatedNames = append(rotatedNames, filepath.Base(b.Path()))
		for msg, err := range b.All() {
			require.NoError(t, err)
			bodies = append(bodies, msg.Body)
		}
		b.Commit()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		queueFileName(now.UnixMilli()),
		queueFileName(now.UnixMilli() + 1),
	}, rotatedNames)
	assert.Equal(t, []string{"/old", "/new"}, bodies)
}

func TestPending_NumericOrder(t *testing.T) {
	q := newTestQueue(t)
	dir := q.TopicDir("migrate")
	for _, name := range []string{"queue.1000.log", "queue.999.log", "queue.20.log", "queue.x.log", "other.log", "current.log"} {
		testutil.TempFile(t, dir, name, "")
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "queue.5.log"), 0755))

	pending, err := q.Pending("migrate")
	require.NoError(t, err)
	var names []string
	for _, p := range pending {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"queue.20.log", "queue.999.log", "queue.1000.log"}, names)

	pending, err = q.Pending("never-written")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSend_InitRetriesExceeded(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.InitRetries = 3 })
	ctx := context.Background()

	// A foreign exclusive lock on current.log keeps the shared lock from
	// ever being granted.
	require.NoError(t, os.MkdirAll(q.TopicDir("migrate"), 0755))
	holder, err := nativefs.NewLocal().Open(q.CurrentPath("migrate"), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer func() { _ = holder.Close() }()
	require.NoError(t, holder.Lock(nativefs.LockExclusive, false))

	p := q.Producer()
	err = p.Send(ctx, "migrate", []string{"/a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitRetriesExceeded)
	assert.Contains(t, err.Error(), "3 attempts")

	require.NoError(t, holder.Unlock())
	require.NoError(t, p.Send(ctx, "migrate", []string{"/a"}))
	require.NoError(t, p.Disconnect())
}

// inodeMismatchFS reports a different inode for the current path than the
// one the producer opened, as if a consumer rotated it every time.
type inodeMismatchFS struct {
	nativefs.FS
	mu    sync.Mutex
	stats int
}

func (f *inodeMismatchFS) Stat(path string, keys ...string) (*nativefs.Stat, error) {
	st, err := f.FS.Stat(path, keys...)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.stats++
	f.mu.Unlock()
	st.Ino++
	return st, nil
}

func TestSend_RetriesOnInodeMismatch(t *testing.T) {
	fsys := &inodeMismatchFS{FS: nativefs.NewLocal()}
	q := newTestQueue(t, func(c *Config) { c.FS = fsys })

	err := q.Producer().Send(context.Background(), "migrate", []string{"/a"})
	assert.ErrorIs(t, err, ErrInitRetriesExceeded)
	assert.Equal(t, DefaultInitRetries, fsys.stats)
}

func TestSend_ContextCancelledDuringInit(t *testing.T) {
	fsys := &inodeMismatchFS{FS: nativefs.NewLocal()}
	q := newTestQueue(t, func(c *Config) {
		c.FS = fsys
		c.InitBackoff = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Producer().Send(ctx, "migrate", []string{"/a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProducer_PollReleasesRotatedHandle(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	ctx := context.Background()
	p := q.Producer()
	require.NoError(t, p.Connect(ctx))
	defer func() { _ = p.Disconnect() }()

	require.NoError(t, p.Send(ctx, "migrate", []string{"/before"}))

	var delivered []string
	require.Eventually(t, func() bool {
		for _, batch := range collect(t, q, "migrate", true) {
			delivered = append(delivered, batch...)
		}
		return len(delivered) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"/before"}, delivered)

	require.NoError(t, p.Send(ctx, "migrate", []string{"/after"}))
	_, err := os.Stat(q.CurrentPath("migrate"))
	require.NoError(t, err, "next send re-created current.log")
	assert.Equal(t, int64(len(mustEncode(t, "/after", q))), p.BytesWritten("migrate"))
}

func mustEncode(t *testing.T, body string, q *Queue) []byte {
	t.Helper()
	b, err := encodeEntry(body, q.cfg.Now())
	require.NoError(t, err)
	return b
}

func TestSend_ConcurrentProducersShareCurrentFile(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const producers, perProducer = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := q.Producer()
			defer func() { _ = p.Disconnect() }()
			for j := 0; j < perProducer; j++ {
				assert.NoError(t, p.Send(ctx, "migrate", []string{fmt.Sprintf("/p%d/%d", i, j)}))
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, batch := range collect(t, q, "migrate", true) {
		for _, body := range batch {
			seen[body]++
		}
	}
	assert.Len(t, seen, producers*perProducer)
	for body, n := range seen {
		assert.Equal(t, 1, n, body)
	}
}

func TestBatch_MalformedEntryIsIsolated(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	a, err := encodeEntry("/a", now)
	require.NoError(t, err)
	b, err := encodeEntry("/b", now)
	require.NoError(t, err)
	testutil.TempFile(t, q.TopicDir("migrate"), "queue.1.log", string(a)+"{not json\n"+string(b))

	var bodies []string
	var errs []error
	err = q.Consumer().Run(context.Background(), "migrate", func(_ context.Context, batch *Batch) error {
		for msg, err := range batch.All() {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			bodies = append(bodies, msg.Body)
		}
		batch.Commit()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, bodies)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformedEntry)
}

func TestBatch_ResetAndNext(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	p := q.Producer()
	require.NoError(t, p.Send(ctx, "restore", []string{"/1", "/2"}))
	require.NoError(t, p.Disconnect())

	err := q.Consumer().Run(ctx, "restore", func(_ context.Context, b *Batch) error {
		assert.Equal(t, "restore", b.Topic())
		msg, ok, err := b.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "/1", msg.Body)
		assert.WithinDuration(t, time.Now(), msg.Time, time.Minute)

		b.Reset()
		count := 0
		for _, err := range b.All() {
			require.NoError(t, err)
			count++
		}
		assert.Equal(t, 2, count)

		_, ok, err = b.Next()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, b.Committed())
		b.Commit()
		assert.True(t, b.Committed())
		return nil
	})
	require.NoError(t, err)
}

func TestRun_ContextCancelled(t *testing.T) {
	q := newTestQueue(t)
	testutil.TempFile(t, q.TopicDir("migrate"), "queue.1.log", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Consumer().Run(ctx, "migrate", func(context.Context, *Batch) error {
		t.Fatal("no batch after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidTopic(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, topic := range []string{"", ".", "..", "a/b"} {
		assert.ErrorIs(t, q.Producer().Send(ctx, topic, []string{"/x"}), ErrInvalidTopic, topic)
		assert.ErrorIs(t, q.Consumer().Run(ctx, topic, nil), ErrInvalidTopic, topic)
	}
}

func TestDeleteCurrent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	p := q.Producer()

	require.NoError(t, p.DeleteCurrent("migrate"), "missing file is fine")
	require.NoError(t, p.Send(ctx, "migrate", []string{"/a"}))
	require.NoError(t, p.DeleteCurrent("migrate"))
	_, err := os.Stat(q.CurrentPath("migrate"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, p.Disconnect())
}

func TestDepths(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	depths, err := q.Depths()
	require.NoError(t, err)
	assert.Empty(t, depths)

	p := q.Producer()
	require.NoError(t, p.Send(ctx, "migrate", []string{"/a"}))
	require.NoError(t, p.Disconnect())
	testutil.TempFile(t, q.TopicDir("migrate"), "queue.7.log", "")
	testutil.TempFile(t, q.TopicDir("restore"), "queue.8.log", "")

	depths, err = q.Depths()
	require.NoError(t, err)
	require.Len(t, depths, 2)
	byTopic := map[string]metrics.TopicDepth{}
	for _, d := range depths {
		byTopic[d.Topic] = d
	}
	assert.Equal(t, 1, byTopic["migrate"].PendingFiles)
	assert.Positive(t, byTopic["migrate"].CurrentBytes)
	assert.Equal(t, 1, byTopic["restore"].PendingFiles)
	assert.Zero(t, byTopic["restore"].CurrentBytes)
}

func TestMetricsRecorded(t *testing.T) {
	old := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = old })
	m := metrics.InitMetrics("test")

	q := newTestQueue(t, func(c *Config) { c.Metrics = m })
	ctx := context.Background()
	p := q.Producer()
	require.NoError(t, p.Send(ctx, "migrate", []string{"/a", "/b"}))
	require.NoError(t, p.Disconnect())
	collect(t, q, "migrate", true)

	assert.Equal(t, float64(2), promtest.ToFloat64(m.QueueMessagesSent.WithLabelValues("migrate")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.QueueHandleInits.WithLabelValues("migrate", "ok")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.QueueRotations.WithLabelValues("migrate", "rotated")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.QueueFiles.WithLabelValues("migrate", "committed")))
}

func TestEntryRoundTripEscapesNewlines(t *testing.T) {
	now := time.UnixMilli(1_704_067_200_000)
	line, err := encodeEntry("/odd\nname", now)
	require.NoError(t, err)
	assert.Equal(t, `{"m":"/odd\nname","t":1704067200000}`+"\n", string(line))

	msg, err := decodeEntry(string(line[:len(line)-1]))
	require.NoError(t, err)
	assert.Equal(t, "/odd\nname", msg.Body)
	assert.True(t, now.Equal(msg.Time))
}
