package tasklimiter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterCapEnforced(t *testing.T) {
	l := New("test", 2)

	tok1, ok := l.GetToken(false)
	require.True(t, ok)
	tok2, ok := l.GetToken(false)
	require.True(t, ok)

	_, ok = l.GetToken(false)
	assert.False(t, ok)
	assert.Equal(t, int32(2), l.Outstanding())

	tok1.Release()
	tok3, ok := l.GetToken(false)
	assert.True(t, ok)

	tok2.Release()
	tok3.Release()
	assert.Equal(t, int32(0), l.Outstanding())
}

func TestLimiterForceBypassesCap(t *testing.T) {
	l := New("test", 1)

	tok1, ok := l.GetToken(false)
	require.True(t, ok)

	tok2, ok := l.GetToken(true)
	require.True(t, ok)
	assert.Equal(t, int32(2), l.Outstanding())

	tok1.Release()
	tok2.Release()
}

func TestLimiterUnbounded(t *testing.T) {
	l := New("test", -1)
	for i := 0; i < 100; i++ {
		_, ok := l.GetToken(false)
		require.True(t, ok)
	}
	assert.Equal(t, int32(100), l.Outstanding())
}

func TestLimiterResetMax(t *testing.T) {
	l := New("test", 1)
	_, _ = l.GetToken(false)
	_, ok := l.GetToken(false)
	assert.False(t, ok)

	l.ResetMax()
	_, ok = l.GetToken(false)
	assert.True(t, ok)
}

func TestLimiterConcurrentAcquireNeverExceedsCap(t *testing.T) {
	const cap = 4
	l := New("test", cap)

	var wg sync.WaitGroup
	tokens := make(chan *Token, 1000)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, ok := l.GetToken(false); ok {
				tokens <- tok
			}
		}()
	}
	wg.Wait()
	close(tokens)

	assert.LessOrEqual(t, l.Outstanding(), int32(cap))
	for tok := range tokens {
		tok.Release()
	}
	assert.Equal(t, int32(0), l.Outstanding())
}
