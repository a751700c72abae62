// Package reader abstracts file access into a forward-only sequence of
// Units: decoded text lines for small files, fixed-size byte chunks for
// large ones. Every Unit boundary is a cancellation check point, which
// bounds worst-case cancellation latency to the time to process one Unit.
package reader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// Options tunes the chunk strategy.
type Options struct {
	// ChunkSize is the Unit size in chunk mode.
	ChunkSize int64
	// ChunkThreshold is the file size at or above which a chunk-mode insight
	// actually reads chunks; smaller files keep exact line semantics.
	ChunkThreshold int64
}

// DefaultOptions mirror the engine config defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:      1024 * 1024,
		ChunkThreshold: 8 * 1024 * 1024,
	}
}

// Unit is one line or one chunk produced by a Scanner.
type Unit struct {
	// Text is the decoded content, invalid byte sequences already replaced.
	Text string
	// Lines is the number of lines the Unit covers: 1 in line mode, the
	// newline count in chunk mode plus the unterminated final line of the
	// file when the chunk contains it.
	Lines int64
	// Index is the zero-based ordinal of the Unit within its file.
	Index int64
}

// SelectMode applies the size policy: line mode is always honored, chunk
// mode only engages for files at or above the threshold.
func SelectMode(requested schemas.ReadingMode, size int64, opts Options) schemas.ReadingMode {
	if requested == schemas.ReadChunk && size >= opts.ChunkThreshold {
		return schemas.ReadChunk
	}
	return schemas.ReadLine
}

// Scanner iterates Units of a single file. It is forward-only and
// non-restartable; Close releases the handle on every exit path.
//
// Usage follows bufio.Scanner:
//
//	s, err := reader.Open(path, mode, token, opts)
//	defer s.Close()
//	for s.Scan() {
//	    u := s.Unit()
//	    ...
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	file  *os.File
	br    *bufio.Reader
	mode  schemas.ReadingMode
	token schemas.CancelToken
	chunk []byte

	unit      Unit
	nextIndex int64
	err       error
	eof       bool
	cancelled bool
	replaced  bool
}

// Open stats the file, applies the mode selection policy, and returns a
// Scanner positioned before the first Unit. Access failures are wrapped with
// schemas.ErrFileAccess.
func Open(path string, requested schemas.ReadingMode, token schemas.CancelToken, opts Options) (*Scanner, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = DefaultOptions().ChunkThreshold
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", schemas.ErrFileAccess, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", schemas.ErrFileAccess, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", schemas.ErrFileAccess, path, err)
	}

	s := &Scanner{
		file:  f,
		br:    bufio.NewReaderSize(f, 64*1024),
		mode:  SelectMode(requested, info.Size(), opts),
		token: token,
	}
	if s.mode == schemas.ReadChunk {
		s.chunk = make([]byte, opts.ChunkSize)
	}
	return s, nil
}

// Mode reports the strategy actually selected for this file.
func (s *Scanner) Mode() schemas.ReadingMode { return s.mode }

// Scan advances to the next Unit. It returns false at end of file, on a read
// error, or when the cancel token fires; cancellation stops iteration
// without raising.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.eof || s.cancelled {
		return false
	}
	// Cooperative cancellation: checked before producing every Unit.
	if s.token != nil && s.token.Cancelled() {
		s.cancelled = true
		return false
	}

	if s.mode == schemas.ReadChunk {
		return s.scanChunk()
	}
	return s.scanLine()
}

func (s *Scanner) scanLine() bool {
	line, err := s.br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = fmt.Errorf("%w: read %s: %w", schemas.ErrFileAccess, s.file.Name(), err)
		return false
	}
	if len(line) == 0 {
		s.eof = true
		return false
	}
	if errors.Is(err, io.EOF) {
		s.eof = true
	}

	line = strings.TrimRight(line, "\r\n")
	s.unit = Unit{
		Text:  s.sanitize(line),
		Lines: 1,
		Index: s.nextIndex,
	}
	s.nextIndex++
	return true
}

func (s *Scanner) scanChunk() bool {
	n, err := io.ReadFull(s.br, s.chunk)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.err = fmt.Errorf("%w: read %s: %w", schemas.ErrFileAccess, s.file.Name(), err)
		} else {
			s.eof = true
		}
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.eof = true
	} else if err != nil {
		s.err = fmt.Errorf("%w: read %s: %w", schemas.ErrFileAccess, s.file.Name(), err)
		return false
	}
	if !s.eof {
		// Look one byte ahead so a chunk that lands exactly on the end of the
		// file is recognized as the final one.
		if _, perr := s.br.Peek(1); errors.Is(perr, io.EOF) {
			s.eof = true
		}
	}

	text := s.sanitize(string(s.chunk[:n]))
	lines := int64(strings.Count(text, "\n"))
	if s.eof && !strings.HasSuffix(text, "\n") {
		// A final line without a terminator is still a line; line mode counts
		// it, so chunk mode must too.
		lines++
	}
	s.unit = Unit{
		Text:  text,
		Lines: lines,
		Index: s.nextIndex,
	}
	s.nextIndex++
	return true
}

// sanitize replaces invalid byte sequences with U+FFFD and remembers that it
// had to, so the caller can warn once per file instead of once per
// occurrence.
func (s *Scanner) sanitize(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	s.replaced = true
	return strings.ToValidUTF8(text, string(utf8.RuneError))
}

// Unit returns the Unit produced by the last successful Scan.
func (s *Scanner) Unit() Unit { return s.unit }

// Err returns the first read error. Clean EOF and cancellation both leave it
// nil.
func (s *Scanner) Err() error { return s.err }

// Cancelled reports whether iteration stopped because the token fired.
func (s *Scanner) Cancelled() bool { return s.cancelled }

// ReplacedInvalidUTF8 reports whether any Unit of this file needed
// replacement-character substitution.
func (s *Scanner) ReplacedInvalidUTF8() bool { return s.replaced }

// Close releases the underlying file handle. Safe to call more than once.
func (s *Scanner) Close() error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	return f.Close()
}
