package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/g960059/cmuxctl/internal/api"
)

const DefaultMaxLine = 4 << 20 // 4 MiB

var (
	ErrLineTooLarge   = errors.New("wire: line too large")
	ErrInvalidRequest = errors.New("wire: invalid request")
)

// Reader yields newline-delimited request lines with a size bound.
type Reader struct {
	br      *bufio.Reader
	maxLine int
}

func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), maxLine: maxLine}
}

// ReadLine returns the next line without its terminator. A final line with
// no trailing newline is returned with a nil error; io.EOF follows.
// Lines over the limit are drained and reported as ErrLineTooLarge.
func (r *Reader) ReadLine() ([]byte, error) {
	var buf []byte
	tooLarge := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > r.maxLine+1 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 && !tooLarge {
				return trimEOL(buf), nil
			}
			if tooLarge {
				return nil, ErrLineTooLarge
			}
			return nil, err
		}
		if tooLarge {
			return nil, ErrLineTooLarge
		}
		return trimEOL(buf), nil
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// IsV2 reports whether line carries a JSON request.
func IsV2(line []byte) bool {
	trimmed := bytes.TrimLeft(line, " \t")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// DecodeRequest parses a v2 request line. The returned id is usable for the
// error envelope even when decoding fails after the id was read.
func DecodeRequest(line []byte) (api.Request, error) {
	var req api.Request
	if err := json.Unmarshal(line, &req); err != nil {
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(line, &envelope)
		return api.Request{ID: envelope.ID}, fmt.Errorf("decode request: %w", err)
	}
	if strings.TrimSpace(req.Method) == "" {
		return req, fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	if len(req.ID) > 0 && !validID(req.ID) {
		return api.Request{}, fmt.Errorf("%w: id must be a number, string or null", ErrInvalidRequest)
	}
	if len(req.Params) > 0 {
		trimmed := bytes.TrimSpace(req.Params)
		if !bytes.Equal(trimmed, []byte("null")) && (len(trimmed) == 0 || trimmed[0] != '{') {
			return req, fmt.Errorf("%w: params must be an object", ErrInvalidRequest)
		}
	}
	req.Method = strings.TrimSpace(req.Method)
	return req, nil
}

func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return true
	}
	switch trimmed[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}

// EncodeResponse renders a v2 response as one line including the newline.
// encoding/json escapes embedded newlines inside strings.
func EncodeResponse(resp api.Response) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// Command is a tokenized v1 line.
type Command struct {
	Name string
	Args []string
	// Rest is the raw remainder after the command name.
	Rest string
}

// ParseCommand splits a v1 line into the command name and whitespace-separated
// arguments.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	cmd := Command{Name: strings.ToLower(name), Rest: rest}
	if rest != "" {
		cmd.Args = strings.Fields(rest)
	}
	return cmd
}

// Unescape expands \n, \r, \t and \\ in v1 send payloads.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}

// escapeLine keeps a v1 reply on a single line.
func escapeLine(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func V1OK(msg string) []byte {
	if msg == "" {
		return []byte("OK\n")
	}
	return []byte("OK " + escapeLine(msg) + "\n")
}

func V1Error(msg string) []byte {
	return []byte("ERROR: " + escapeLine(msg) + "\n")
}

// V1Raw writes a bare reply such as PONG.
func V1Raw(msg string) []byte {
	return []byte(escapeLine(msg) + "\n")
}
