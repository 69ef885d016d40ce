package fsqueue

import (
	"errors"
	"iter"

	"github.com/tunnelmesh/coldtier/internal/linereader"
)

// Batch is the content of one queue file, decoded lazily.
type Batch struct {
	topic     string
	reader    *linereader.Reader
	committed bool
}

// Topic returns the topic the batch belongs to.
func (b *Batch) Topic() string { return b.topic }

// Path returns the queue file path.
func (b *Batch) Path() string { return b.reader.Path() }

// Next returns the next message. ok is false at the end of the batch.
// An error matching ErrMalformedEntry concerns only that line and iteration
// may continue; any other error ends the batch.
func (b *Batch) Next() (msg Message, ok bool, err error) {
	line, ok, err := b.reader.NextLine()
	if err != nil || !ok {
		return Message{}, false, err
	}
	msg, err = decodeEntry(line)
	if err != nil {
		return Message{}, true, err
	}
	return msg, true, nil
}

// All iterates over the remaining messages. Malformed entries are yielded as
// errors and iteration continues past them; other errors end it.
func (b *Batch) All() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			msg, ok, err := b.Next()
			if err != nil {
				if !yield(Message{}, err) || !errors.Is(err, ErrMalformedEntry) {
					return
				}
				continue
			}
			if !ok {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Reset restarts iteration from the first entry on the same descriptor.
func (b *Batch) Reset() {
	b.reader.Reset()
}

// Commit marks the batch as fully handled. The consumer deletes the queue
// file once the batch callback returns nil.
func (b *Batch) Commit() {
	b.committed = true
}

// Committed reports whether Commit was called.
func (b *Batch) Committed() bool { return b.committed }
