// Package fsqueue implements a durable multi-producer, single-consumer queue
// on a shared filesystem. Each topic is a directory holding one current.log
// append target and any number of rotated queue.<unix-millis>.log segments.
// Coordination between processes relies only on atomic rename and advisory
// flock(2) locks.
package fsqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// CurrentFile is the name of a topic's live append target.
const CurrentFile = "current.log"

// Producer handle initialisation defaults.
const (
	DefaultInitRetries = 10
	DefaultInitBackoff = 5 * time.Millisecond
)

var (
	// ErrInitRetriesExceeded is returned by Send when no stable handle to the
	// current file could be established.
	ErrInitRetriesExceeded = errors.New("producer init retries exceeded")
	// ErrMalformedEntry is returned for a queue line that is not a valid entry.
	ErrMalformedEntry = errors.New("malformed queue entry")
	// ErrInvalidTopic is returned for topic names that are not a single path element.
	ErrInvalidTopic = errors.New("invalid topic name")
)

var queueFilePattern = regexp.MustCompile(`^queue\.(\d+)\.log$`)

// Config configures a Queue.
type Config struct {
	Dir string
	FS  nativefs.FS // defaults to nativefs.NewLocal()

	// PollInterval enables the producer's background rotation check.
	PollInterval time.Duration
	// DisableLocking skips all advisory locks (single-process deployments).
	DisableLocking bool
	// DisableSyncIO opens the current file without O_SYNC.
	DisableSyncIO bool
	ReaderBufSize int

	InitRetries int
	InitBackoff time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.TieringMetrics

	// Now is the clock used for entry and rotation timestamps.
	Now func() time.Time
}

// Queue is a directory of topics.
type Queue struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a queue rooted at cfg.Dir.
func New(cfg Config) *Queue {
	if cfg.FS == nil {
		cfg.FS = nativefs.NewLocal()
	}
	if cfg.InitRetries <= 0 {
		cfg.InitRetries = DefaultInitRetries
	}
	if cfg.InitBackoff <= 0 {
		cfg.InitBackoff = DefaultInitBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "fsqueue").Str("dir", cfg.Dir).Logger(),
	}
}

// Dir returns the queue root.
func (q *Queue) Dir() string { return q.cfg.Dir }

// TopicDir returns the directory of topic.
func (q *Queue) TopicDir(topic string) string {
	return filepath.Join(q.cfg.Dir, topic)
}

// CurrentPath returns the path of topic's current file.
func (q *Queue) CurrentPath(topic string) string {
	return filepath.Join(q.cfg.Dir, topic, CurrentFile)
}

// Producer returns a new producer on this queue.
func (q *Queue) Producer() *Producer {
	return newProducer(q)
}

// Consumer returns a new consumer on this queue.
func (q *Queue) Consumer() *Consumer {
	return &Consumer{q: q, logger: q.logger.With().Str("role", "consumer").Logger()}
}

// Pending lists the rotated queue files of topic, oldest first.
// A topic that was never written has no pending files.
func (q *Queue) Pending(topic string) ([]string, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	dir := q.TopicDir(topic)
	entries, err := q.cfg.FS.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type queueFile struct {
		ts   uint64
		name string
	}
	var files []queueFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := queueFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		ts, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, queueFile{ts: ts, name: e.Name()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ts != files[j].ts {
			return files[i].ts < files[j].ts
		}
		return files[i].name < files[j].name
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(dir, f.name)
	}
	return paths, nil
}

// Depths reports pending files and current file size for every topic.
func (q *Queue) Depths() ([]metrics.TopicDepth, error) {
	entries, err := q.cfg.FS.ReadDir(q.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []metrics.TopicDepth
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		topic := e.Name()
		pending, err := q.Pending(topic)
		if err != nil {
			return nil, err
		}
		d := metrics.TopicDepth{Topic: topic, PendingFiles: len(pending)}
		st, err := q.cfg.FS.Stat(q.CurrentPath(topic))
		switch {
		case err == nil:
			d.CurrentBytes = st.Size
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func queueFileName(unixMillis int64) string {
	return fmt.Sprintf("queue.%d.log", unixMillis)
}

func validateTopic(topic string) error {
	if topic == "" || topic == "." || topic == ".." || strings.ContainsRune(topic, filepath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// Message is one decoded queue entry.
type Message struct {
	Body string
	Time time.Time
}

// entry is the wire form of a Message: one JSON object per line.
type entry struct {
	M string `json:"m"`
	T int64  `json:"t"`
}

// encodeEntry returns the newline-terminated line for body. JSON escaping
// keeps embedded newlines out of the encoded form.
func encodeEntry(body string, now time.Time) ([]byte, error) {
	b, err := json.Marshal(entry{M: body, T: now.UnixMilli()})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decodeEntry(line string) (Message, error) {
	var e entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return Message{Body: e.M, Time: time.UnixMilli(e.T)}, nil
}
