package smtpd

import (
	"bytes"
	"errors"
)

// LexemeKind tells the session how to interpret a token.
type LexemeKind int

const (
	// CommandLine is a single CRLF-terminated line.
	CommandLine LexemeKind = iota
	// DataBlock is the body of a DATA phase, up to the CRLF.CRLF terminator.
	DataBlock
)

func (k LexemeKind) String() string {
	switch k {
	case CommandLine:
		return "CommandLine"
	case DataBlock:
		return "DataBlock"
	default:
		return "Unknown"
	}
}

// Lexeme is a token produced by the Scanner. Payload is owned by the lexeme
// and never aliases the scanner buffer.
type Lexeme struct {
	Kind    LexemeKind
	Payload []byte
}

const (
	// MaxLineLength is the hard cap on a command line, excluding its CRLF.
	MaxLineLength = 512
	// MaxVerbLength is the cap on the command verb.
	MaxVerbLength = 32

	compactThreshold    = 4096
	maxRetainedCapacity = 64 * 1024
)

var (
	lineTerminator = []byte("\r\n")
	dataTerminator = []byte("\r\n.\r\n")
	emptyDataBlock = []byte(".\r\n")
)

// ErrNeedMore is returned by the scan functions when the buffer does not yet
// hold a complete token.
var ErrNeedMore = errors.New("smtpd: need more input")

// Scanner is an incremental tokenizer over the bytes received on one
// connection. It is not safe for concurrent use.
type Scanner struct {
	buf    []byte
	cursor int

	// bytes after cursor already searched for the data terminator
	scanned int

	// set while dropping an over-long line whose CRLF has not arrived yet
	discarding bool

	// set while dropping the middle of an oversized data block
	skipping bool
}

// Enqueue appends p to the buffer.
func (s *Scanner) Enqueue(p []byte) {
	s.buf = append(s.buf, p...)
}

// Buffered returns the number of retained bytes not yet consumed.
func (s *Scanner) Buffered() int {
	return len(s.buf) - s.cursor
}

// ScanLine returns the next CRLF-terminated line. Lines longer than
// MaxLineLength are consumed and reported as ErrLineTooLong.
func (s *Scanner) ScanLine() (Lexeme, error) {
	s.scanned = 0
	pending := s.buf[s.cursor:]

	idx := bytes.Index(pending, lineTerminator)
	if idx == -1 {
		// MaxLineLength+2 bytes without a CRLF can't be a valid line. Keep
		// only the last byte, it may be the CR of a split terminator.
		if s.discarding || len(pending) > MaxLineLength+1 {
			s.discarding = true
			s.cursor = len(s.buf) - min(len(pending), 1)
			s.compact()
		}

		return Lexeme{}, ErrNeedMore
	}

	s.cursor += idx + len(lineTerminator)

	if s.discarding || idx > MaxLineLength {
		s.discarding = false
		s.compact()

		return Lexeme{}, ErrLineTooLong
	}

	lex := Lexeme{Kind: CommandLine, Payload: bytes.Clone(pending[:idx])}
	s.compact()

	return lex, nil
}

// ScanData returns the next data block, excluding the CRLF.CRLF terminator.
// Transparency dots are left in place; see Unstuff.
func (s *Scanner) ScanData() (Lexeme, error) {
	pending := s.buf[s.cursor:]

	// the CRLF ending the DATA command line doubles as the first half of
	// the terminator of an empty body
	if !s.skipping && bytes.HasPrefix(pending, emptyDataBlock) {
		s.cursor += len(emptyDataBlock)
		s.scanned = 0
		s.compact()

		return Lexeme{Kind: DataBlock, Payload: []byte{}}, nil
	}

	start := max(s.scanned-len(dataTerminator)+1, 0)

	idx := bytes.Index(pending[start:], dataTerminator)
	if idx == -1 {
		s.scanned = len(pending)
		return Lexeme{}, ErrNeedMore
	}
	idx += start

	lex := Lexeme{Kind: DataBlock, Payload: bytes.Clone(pending[:idx])}
	s.cursor += idx + len(dataTerminator)
	s.scanned = 0
	s.skipping = false
	s.compact()

	return lex, nil
}

// SkipData drops the data-block bytes buffered so far, keeping only a tail
// long enough to recognise a terminator split across reads. It returns the
// number of bytes dropped. The next ScanData yields whatever is left of the
// block.
func (s *Scanner) SkipData() int {
	pending := len(s.buf) - s.cursor
	keep := min(pending, len(dataTerminator)-1)
	n := pending - keep

	s.cursor += n
	s.scanned = keep
	s.skipping = true
	s.compact()

	return n
}

// compact drops the consumed prefix once it is worth the copy.
func (s *Scanner) compact() {
	if s.cursor == 0 {
		return
	}

	if s.cursor < compactThreshold && s.cursor*2 < len(s.buf) {
		return
	}

	if s.cursor == len(s.buf) && cap(s.buf) > maxRetainedCapacity {
		s.buf = nil
		s.cursor = 0
		return
	}

	n := copy(s.buf, s.buf[s.cursor:])
	s.buf = s.buf[:n]
	s.cursor = 0
}
