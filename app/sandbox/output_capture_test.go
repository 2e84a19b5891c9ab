package sandbox

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputCapture_Write(t *testing.T) {
	t.Run("writes within limit", func(t *testing.T) {
		oc := NewOutputCapture(5)
		n, err := oc.Write([]byte("line1\nline2\nline3"))
		require.NoError(t, err)
		assert.Equal(t, 17, n)
		assert.Equal(t, "line1\nline2\nline3", oc.Output())
	})

	t.Run("circular buffer beyond limit", func(t *testing.T) {
		oc := NewOutputCapture(3)
		_, err := oc.Write([]byte("line1\nline2\nline3\nline4\nline5\n"))
		require.NoError(t, err)
		assert.Equal(t, "line3\nline4\nline5", oc.Output())
	})

	t.Run("limit applies to unterminated tail", func(t *testing.T) {
		oc := NewOutputCapture(2)
		_, err := oc.Write([]byte("line1\nline2\nline3"))
		require.NoError(t, err)
		assert.Equal(t, "line2\nline3", oc.Output())
	})

	t.Run("zero limit disables capture", func(t *testing.T) {
		oc := NewOutputCapture(0)
		n, err := oc.Write([]byte("line1\nline2\nline3"))
		require.NoError(t, err)
		assert.Equal(t, 17, n)
		assert.Empty(t, oc.Output())
	})

	t.Run("skips empty lines", func(t *testing.T) {
		oc := NewOutputCapture(5)
		_, err := oc.Write([]byte("line1\n\nline2\r\n\n\nline3\n"))
		require.NoError(t, err)
		assert.Equal(t, "line1\nline2\nline3", oc.Output())
	})

	t.Run("line split across writes", func(t *testing.T) {
		oc := NewOutputCapture(5)
		_, err := oc.Write([]byte("hel"))
		require.NoError(t, err)
		_, err = oc.Write([]byte("lo\nwor"))
		require.NoError(t, err)
		_, err = oc.Write([]byte("ld\n"))
		require.NoError(t, err)
		assert.Equal(t, "hello\nworld", oc.Output())
	})
}

func TestOutputCapture_Concurrent(t *testing.T) {
	oc := NewOutputCapture(1000)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				_, _ = fmt.Fprintf(oc, "w%d-%d\n", i, j)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, splitLines(oc.Output()), 100)
}

func splitLines(s string) []string {
	var res []string
	start := 0
	for i := range len(s) {
		if s[i] == '\n' {
			res = append(res, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		res = append(res, s[start:])
	}
	return res
}
