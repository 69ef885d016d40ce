package fsqueue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// maxBackoffFactor caps the doubling of InitBackoff between init attempts.
const maxBackoffFactor = 40

// Producer appends messages to topic current files. Sends on one topic are
// serialised; different topics proceed independently.
type Producer struct {
	q      *Queue
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[string]*topicHandle
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// topicHandle is the cached descriptor of one topic's current file.
type topicHandle struct {
	mu      sync.Mutex
	f       nativefs.File
	ino     uint64
	written int64 // bytes appended through f
}

func newProducer(q *Queue) *Producer {
	return &Producer{
		q:       q,
		logger:  q.logger.With().Str("role", "producer").Logger(),
		handles: make(map[string]*topicHandle),
	}
}

// Connect starts the rotation poll when PollInterval is set.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.q.cfg.PollInterval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.poll(ctx)
	return nil
}

// Disconnect stops the poll and closes every cached handle, releasing the
// shared locks.
func (p *Producer) Disconnect() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	handles := make([]*topicHandle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	var errs []error
	for _, h := range handles {
		h.mu.Lock()
		errs = append(errs, h.close())
		h.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Send appends messages to topic with a single vectored write. When Send
// returns nil the entries are on disk (unless DisableSyncIO is set).
func (p *Producer) Send(ctx context.Context, topic string, messages []string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	now := p.q.cfg.Now()
	bufs := make([][]byte, len(messages))
	for i, m := range messages {
		b, err := encodeEntry(m, now)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		bufs[i] = b
	}

	h := p.handle(topic)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		if err := p.init(ctx, topic, h); err != nil {
			return err
		}
	}

	n, err := h.f.Writev(bufs)
	h.written += int64(n)
	if err != nil {
		// Reopen on the next send rather than appending after a torn batch.
		_ = h.close()
		return fmt.Errorf("append to %s: %w", topic, err)
	}
	p.q.cfg.Metrics.RecordSend(topic, len(messages), n)
	return nil
}

// BytesWritten returns the bytes appended through topic's current handle.
func (p *Producer) BytesWritten(topic string) int64 {
	h := p.handle(topic)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// DeleteCurrent removes topic's current file. A missing file is not an error.
func (p *Producer) DeleteCurrent(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	err := p.q.cfg.FS.Remove(p.q.CurrentPath(topic))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Producer) handle(topic string) *topicHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[topic]
	if !ok {
		h = &topicHandle{}
		p.handles[topic] = h
	}
	return h
}

// init opens the current file and checks that the descriptor still refers
// to the linked current path, retrying when a consumer rotated it between
// open and check. Caller holds h.mu.
func (p *Producer) init(ctx context.Context, topic string, h *topicHandle) error {
	fsys := p.q.cfg.FS
	if err := fsys.MkdirAll(p.q.TopicDir(topic), 0755); err != nil {
		return fmt.Errorf("create topic dir: %w", err)
	}

	path := p.q.CurrentPath(topic)
	flag := os.O_WRONLY | os.O_APPEND | os.O_CREATE
	if !p.q.cfg.DisableSyncIO {
		flag |= os.O_SYNC
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := fsys.Open(path, flag, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		ino, stable, err := p.verify(f, path)
		if err != nil {
			_ = f.Close()
			return err
		}
		if stable {
			h.f = f
			h.ino = ino
			h.written = 0
			p.q.cfg.Metrics.RecordHandleInit(topic, "ok")
			return nil
		}
		_ = f.Close()

		if attempt+1 >= p.q.cfg.InitRetries {
			p.q.cfg.Metrics.RecordHandleInit(topic, "exhausted")
			return fmt.Errorf("%s after %d attempts: %w", path, attempt+1, ErrInitRetriesExceeded)
		}
		p.q.cfg.Metrics.RecordHandleInit(topic, "retry")
		p.logger.Debug().Str("topic", topic).Int("attempt", attempt+1).Msg("Current log moved during init, retrying")
		if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
			return err
		}
	}
}

// verify takes the shared lock and compares the descriptor with the path.
func (p *Producer) verify(f nativefs.File, path string) (ino uint64, stable bool, err error) {
	if !p.q.cfg.DisableLocking {
		if err := f.Lock(nativefs.LockShared, false); err != nil {
			if errors.Is(err, nativefs.ErrLockConflict) {
				return 0, false, nil
			}
			return 0, false, err
		}
	}
	fst, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	pst, err := p.q.cfg.FS.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if fst.Ino != pst.Ino || fst.Nlink == 0 {
		return 0, false, nil
	}
	return fst.Ino, true, nil
}

// backoff doubles InitBackoff per attempt up to maxBackoffFactor, with up to
// 100% jitter.
func (p *Producer) backoff(attempt int) time.Duration {
	factor := 1 << min(attempt, 6)
	factor = min(factor, maxBackoffFactor)
	d := p.q.cfg.InitBackoff * time.Duration(factor)
	return d + time.Duration(rand.Float64()*float64(d))
}

func (p *Producer) poll(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHandles()
		}
	}
}

// checkHandles closes every handle whose current file was rotated or removed.
func (p *Producer) checkHandles() {
	p.mu.Lock()
	handles := make(map[string]*topicHandle, len(p.handles))
	for topic, h := range p.handles {
		handles[topic] = h
	}
	p.mu.Unlock()

	for topic, h := range handles {
		h.mu.Lock()
		if h.f != nil {
			st, err := p.q.cfg.FS.Stat(p.q.CurrentPath(topic))
			switch {
			case errors.Is(err, fs.ErrNotExist):
				p.logger.Debug().Str("topic", topic).Msg("Current log removed, closing handle")
				_ = h.close()
			case err != nil:
				p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to stat current log")
			case st.Ino != h.ino:
				p.logger.Debug().Str("topic", topic).Msg("Current log rotated, closing handle")
				_ = h.close()
			}
		}
		h.mu.Unlock()
	}
}

// close releases the descriptor. Caller holds h.mu.
func (h *topicHandle) close() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	h.ino = 0
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
