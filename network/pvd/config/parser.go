// Package config parses PvD configuration files.
//
// A configuration file maps host name substrings to the PvDs that may be
// used to reach them, one mapping per line:
//
//	"default": ["a.example.", "b.example."]
//	"news.example.com": "c.example."
//
// The mappings may be wrapped in braces and separated by commas, which makes
// a JSON object with one member per line a valid configuration file.
// Lines that are not mappings are skipped.
package config

import (
	"bufio"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"pvd-tls/network/pvd"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnreadable           = errors.New("pvd config file is unreadable")
	ErrPatternCompileFailed = errors.New("pvd name pattern does not compile")
	ErrMalformedEntry       = errors.New("malformed pvd config entry")
)

// DefaultNamePattern matches the PvD names accepted by default.
const DefaultNamePattern = `^[A-Za-z0-9.-]+$`

// MaxLineLength bounds a single configuration line. Longer lines are skipped.
const MaxLineLength = 64 * 1024

var errLineTooLong = errors.New("line too long")

const byteOrderMark = "\xEF\xBB\xBF"

// EntryError describes a skipped line.
type EntryError struct {
	Line  int
	Text  string
	Cause error
}

func (e *EntryError) Error() string {
	return "line " + strconv.Itoa(e.Line) + ": " + ErrMalformedEntry.Error() + ": " + e.Cause.Error()
}

func (e *EntryError) Unwrap() error { return e.Cause }

func (e *EntryError) Is(target error) bool { return target == ErrMalformedEntry }

type Result struct {
	Mapping *pvd.Mapping
	// Lines that were skipped because they did not hold a valid mapping.
	Skipped []*EntryError
}

type Parser struct {
	namePattern string
	logger      *slog.Logger
}

type Option func(*Parser)

// WithNamePattern sets the regular expression PvD names must match.
func WithNamePattern(pattern string) Option {
	return func(p *Parser) { p.namePattern = pattern }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) { p.logger = logger }
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{
		namePattern: DefaultNamePattern,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile parses the file at path. An empty path yields an empty mapping.
func ParseFile(path string, opts ...Option) (Result, error) {
	return NewParser(opts...).ParseFile(path)
}

func (p *Parser) ParseFile(path string) (Result, error) {
	// A bad pattern is fatal even when there is nothing to parse.
	nameRe, err := p.compile()
	if err != nil {
		return Result{}, err
	}

	if path == "" {
		return Result{Mapping: pvd.NewMapping()}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, stderrors.Join(errors.Wrapf(ErrUnreadable, "opening %s", path), err)
	}
	defer f.Close()

	result, err := p.parse(f, nameRe)
	if err != nil {
		return Result{}, errors.Wrapf(err, "parsing %s", path)
	}

	return result, nil
}

func (p *Parser) Parse(r io.Reader) (Result, error) {
	nameRe, err := p.compile()
	if err != nil {
		return Result{}, err
	}
	return p.parse(r, nameRe)
}

func (p *Parser) compile() (*regexp.Regexp, error) {
	nameRe, err := regexp.Compile(p.namePattern)
	if err != nil {
		return nil, errors.Wrapf(ErrPatternCompileFailed, "%q: %s", p.namePattern, err)
	}
	return nameRe, nil
}

func (p *Parser) parse(r io.Reader, nameRe *regexp.Regexp) (Result, error) {
	result := Result{Mapping: pvd.NewMapping()}

	br := bufio.NewReader(r)
	for lineNum := 1; ; lineNum++ {
		line, tooLong, err := readLine(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return Result{}, stderrors.Join(errors.Wrap(ErrUnreadable, "reading"), err)
		}
		eof := err != nil
		if eof && line == "" && !tooLong {
			break
		}

		if lineNum == 1 {
			line = strings.TrimPrefix(line, byteOrderMark)
		}

		var (
			key   string
			names []string
			perr  = errLineTooLong
		)
		if !tooLong {
			key, names, perr = parseLine(line, nameRe)
		}
		if perr != nil {
			entryErr := &EntryError{Line: lineNum, Text: line, Cause: perr}
			result.Skipped = append(result.Skipped, entryErr)
			p.logger.Debug("skipping pvd config line",
				slog.Int("line", lineNum), slog.String("reason", perr.Error()))
		} else if key != "" {
			result.Mapping.Set(key, names)
			p.logger.Debug("pvd mapping entry added",
				slog.String("url", key), slog.Any("pvds", names))
		}

		if eof {
			break
		}
	}

	p.logger.Debug("pvd config parsed",
		slog.Int("keys", result.Mapping.Len()), slog.Int("skipped", len(result.Skipped)))

	return result, nil
}

// readLine returns the next line without its line ending. A line longer than
// MaxLineLength is consumed but only its first MaxLineLength bytes are kept.
// At the end of the input the error is io.EOF.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return string(buf), tooLong, err
		}
		if room := MaxLineLength - len(buf); len(chunk) > room {
			chunk, tooLong = chunk[:room], true
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}
