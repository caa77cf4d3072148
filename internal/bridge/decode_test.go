package bridge

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
		want    map[string]any
	}{
		{name: "object", line: `{"type":"assistant"}`, want: map[string]any{"type": "assistant"}},
		{name: "padded object", line: "  {\"type\":\"a\"}\r\n", want: map[string]any{"type": "a"}},
		{name: "blank", line: "   ", wantErr: errBlankLine},
		{name: "array", line: `[1,2,3]`, wantErr: errNotObject},
		{name: "number", line: `42`, wantErr: errNotObject},
		{name: "null", line: `null`, wantErr: errNotObject},
		{name: "two values", line: `{"a":1} {"b":2}`, wantErr: errTrailingData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeLine([]byte(tt.line))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{"not-json", `{"type":`, `[DEBUG] starting`} {
		_, err := decodeLine([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestDecodeLineKeepsNumbers(t *testing.T) {
	got, err := decodeLine([]byte(`{"id":9007199254740993,"ratio":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), got["id"])
	assert.Equal(t, json.Number("0.5"), got["ratio"])
}

func TestReadLineSkipsOversizedLines(t *testing.T) {
	input := "short\n" + strings.Repeat("x", 40) + "\nnext\ntail"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, err := readLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(line))

	_, err = readLine(r, 20)
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = readLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "next\n", string(line))

	line, err = readLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(line))

	_, err = readLine(r, 20)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLineSpansBufferBoundaries(t *testing.T) {
	long := strings.Repeat("y", 50)
	r := bufio.NewReaderSize(strings.NewReader(long+"\n"), 16)

	line, err := readLine(r, 100)
	require.NoError(t, err)
	assert.Equal(t, long+"\n", string(line))
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	buf := newTailBuffer(8)

	_, _ = buf.Write([]byte("abc"))
	assert.Equal(t, "abc", buf.String())

	_, _ = buf.Write([]byte("defghij"))
	assert.Equal(t, "...cdefghij", buf.String())

	n, err := buf.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "...23456789", buf.String())
}
