// Package linereader reads newline-terminated records from a file that may
// still be growing, using a fixed-size buffer regardless of line length.
package linereader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// DefaultBufSize is the buffer used when Options.BufSize is zero.
const DefaultBufSize = 64 * 1024

// ErrLineTooLong is returned when a line does not fit in the read buffer.
var ErrLineTooLong = errors.New("line exceeds read buffer")

// Options configures a Reader.
type Options struct {
	// Lock is taken non-blocking on the descriptor when the file is opened.
	Lock nativefs.LockMode
	// BufSize bounds the memory used; a line must be shorter than BufSize.
	BufSize int
	// SkipLeftoverLine discards an unterminated fragment found at EOF
	// instead of returning it as the last record.
	SkipLeftoverLine bool
	// SkipOverflowLines discards lines that do not fit the buffer instead
	// of failing with ErrLineTooLong.
	SkipOverflowLines bool
	Logger            zerolog.Logger
}

// Info is a snapshot of the reader position, used in diagnostics.
type Info struct {
	Path     string
	ReadPos  int64 // file offset of the next read
	Start    int   // cursor within the buffer
	End      int   // end of buffered data
	Overflow bool
	EOF      bool
}

func (i Info) String() string {
	return fmt.Sprintf("%s read_pos=%d start=%d end=%d overflow=%t eof=%t",
		i.Path, i.ReadPos, i.Start, i.End, i.Overflow, i.EOF)
}

// Reader returns one line at a time from an open file.
// It is not safe for concurrent use.
type Reader struct {
	f      nativefs.File
	path   string
	opts   Options
	logger zerolog.Logger

	buf        []byte
	start, end int
	readPos    int64
	overflow   bool
	eof        bool
}

// Open opens path read-write so that either lock kind can be requested on
// the descriptor, then takes opts.Lock without blocking.
func Open(fsys nativefs.FS, path string, opts Options) (*Reader, error) {
	if opts.BufSize <= 0 {
		opts.BufSize = DefaultBufSize
	}
	f, err := fsys.Open(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := f.Lock(opts.Lock, false); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{
		f:      f,
		path:   path,
		opts:   opts,
		logger: opts.Logger,
		buf:    make([]byte, opts.BufSize),
	}, nil
}

// Path returns the path the reader was opened on.
func (r *Reader) Path() string { return r.path }

// Info reports the current position.
func (r *Reader) Info() Info {
	return Info{
		Path:     r.path,
		ReadPos:  r.readPos,
		Start:    r.start,
		End:      r.end,
		Overflow: r.overflow,
		EOF:      r.eof,
	}
}

// NextLine returns the next record without its terminator. ok is false once
// the end of the file has been reached and no record remains.
func (r *Reader) NextLine() (line string, ok bool, err error) {
	for {
		if i := bytes.IndexByte(r.buf[r.start:r.end], '\n'); i >= 0 {
			data := r.buf[r.start : r.start+i]
			r.start += i + 1
			if r.overflow {
				// Terminator of a line that was already discarded.
				r.overflow = false
				continue
			}
			return string(data), true, nil
		}

		if r.eof {
			return r.leftover()
		}

		if r.start > 0 {
			r.end = copy(r.buf, r.buf[r.start:r.end])
			r.start = 0
		}

		if r.end == len(r.buf) {
			if !r.opts.SkipOverflowLines {
				return "", false, fmt.Errorf("%s: %w", r.Info(), ErrLineTooLong)
			}
			if !r.overflow {
				r.logger.Warn().Str("reader", r.Info().String()).Int("buf_size", len(r.buf)).
					Msg("Line exceeds read buffer, skipping it")
			}
			r.overflow = true
			r.start, r.end = 0, 0
		}

		n, err := r.f.ReadAt(r.buf[r.end:], r.readPos)
		r.end += n
		r.readPos += int64(n)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return "", false, fmt.Errorf("read %s: %w", r.path, err)
			}
			r.eof = true
		} else if n == 0 {
			r.eof = true
		}
	}
}

// leftover handles an unterminated fragment once the file is exhausted.
func (r *Reader) leftover() (string, bool, error) {
	if r.start == r.end {
		if r.overflow {
			r.logger.Warn().Str("reader", r.Info().String()).Msg("Discarding unterminated overflowed line at EOF")
			r.overflow = false
		}
		return "", false, nil
	}

	data := r.buf[r.start:r.end]
	r.start = r.end
	switch {
	case r.overflow:
		r.logger.Warn().Str("reader", r.Info().String()).Msg("Discarding unterminated overflowed line at EOF")
		r.overflow = false
		return "", false, nil
	case r.opts.SkipLeftoverLine:
		r.logger.Warn().Str("reader", r.Info().String()).Int("bytes", len(data)).
			Msg("Skipping unterminated line at EOF")
		return "", false, nil
	default:
		return string(data), true, nil
	}
}

// ForEach calls fn for every remaining line until the file is exhausted,
// fn returns false or fn fails. completed is true only when the end of the
// file was reached.
func (r *Reader) ForEach(fn func(line string) (bool, error)) (count int, completed bool, err error) {
	for {
		line, ok, err := r.NextLine()
		if err != nil {
			return count, false, err
		}
		if !ok {
			return count, true, nil
		}
		count++
		cont, err := fn(line)
		if err != nil {
			return count, false, err
		}
		if !cont {
			return count, false, nil
		}
	}
}

// Reset rewinds to the start of the file on the same descriptor.
func (r *Reader) Reset() {
	r.start, r.end = 0, 0
	r.readPos = 0
	r.overflow = false
	r.eof = false
}

// Close releases the descriptor and with it any lock.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
