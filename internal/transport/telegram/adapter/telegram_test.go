package adapter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "bdaybot/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, splitText("hello", 10))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitText(text, 70)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 70)
		assert.False(t, strings.HasSuffix(c, "\n"))
	}
	assert.Equal(t, line+"\n"+line, chunks[0])
}

func TestSplitTextHardCut(t *testing.T) {
	t.Parallel()
	chunks := splitText(strings.Repeat("é", 25), 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len([]rune(chunks[0])))
	assert.Equal(t, 5, len([]rune(chunks[2])))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	var se *kit.SendError

	err := classify(errors.New("telegram: Bad Request: chat not found (400)"))
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Permanent)

	err = classify(errors.New("telegram: retry after 5 (429)"))
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Permanent)
}
