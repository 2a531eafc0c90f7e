package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferFIFO(t *testing.T) {
	b := newBuffer()
	assert.Zero(t, b.Size())
	assert.Nil(t, b.Pop())

	for i := 0; i < 3; i++ {
		b.PushBack(&message{Kind: "k", Data: []byte(fmt.Sprintf("m%d", i))})
	}
	assert.Equal(t, 3, b.Size())

	for i := 0; i < 3; i++ {
		msg := b.Pop()
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(msg.Data))
	}
	assert.Zero(t, b.Size())
	assert.Nil(t, b.Pop())
}

func TestBufferInterleaved(t *testing.T) {
	b := newBuffer()
	b.PushBack(&message{Data: []byte("a")})
	b.PushBack(&message{Data: []byte("b")})
	assert.Equal(t, "a", string(b.Pop().Data))

	b.PushBack(&message{Data: []byte("c")})
	assert.Equal(t, "b", string(b.Pop().Data))
	assert.Equal(t, "c", string(b.Pop().Data))
	assert.Nil(t, b.Pop())
}
