package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

var (
	errBlankLine    = errors.New("blank line")
	errNotObject    = errors.New("decoded value is not an object")
	errTrailingData = errors.New("trailing data after value")
	errLineTooLong  = errors.New("line exceeds size limit")
)

// decodeLine decodes one stream-json line. Exactly one JSON object is
// accepted; numbers are kept as json.Number so large ids survive re-encoding.
func decodeLine(line []byte) (map[string]any, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errBlankLine
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	payload, ok := value.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return payload, nil
}

// readLine reads up to and including the next newline. Lines longer than limit
// are consumed and reported as errLineTooLong so the caller can skip them
// without losing framing.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong:
			return nil, errLineTooLong
		case err != nil && len(line) > 0:
			// Final unterminated line; the error resurfaces on the next call.
			return line, nil
		default:
			return line, err
		}
	}
}
