// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	Put(b)

	b2 := Get()
	assert.Equal(t, 0, b2.Len())
	Put(b2)
}

func TestPutIgnoresNilAndOversized(t *testing.T) {
	Put(nil)

	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
}

func TestDetach(t *testing.T) {
	b := Get()
	b.WriteString("payload")

	out := Detach(b)
	require.Equal(t, []byte("payload"), out)

	// The detached slice must not alias a pooled buffer.
	b2 := Get()
	b2.WriteString("XXXXXXX")
	assert.Equal(t, []byte("payload"), out)
	Put(b2)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("concurrent test data")
			_ = Detach(b)
		}()
	}
	wg.Wait()
}
