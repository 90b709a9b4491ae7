package codec

import (
	"bytes"
	"sync"
	"testing"

	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Header: Header{MsgType: types.MsgQuery, QueryID: 42, TaskID: 7},
		Body:   []byte("hello plan"),
	}
	raw := Encode(msg)

	got, err := Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, msg.Header.MsgType, got.Header.MsgType)
	assert.Equal(t, msg.Header.QueryID, got.Header.QueryID)
	assert.Equal(t, msg.Header.TaskID, got.Header.TaskID)
	assert.Equal(t, msg.Body, got.Body)
}

func TestWriteReadString(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "select * from t"))
	got, err := ReadString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "select * from t", got)
}

func TestSendInfoFiresExactlyOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	info := &SendInfo{
		Key: Key{QueryID: 1, TaskID: 2},
		Callback: func(param interface{}, body []byte, code int32) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info.fire(nil, 0)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestTableResolveFiresOnceAndRemoves(t *testing.T) {
	table := NewTable()
	key := Key{QueryID: 1, TaskID: 1}

	resultCh := make(chan int32, 1)
	info := &SendInfo{
		Key: key,
		Callback: func(param interface{}, body []byte, code int32) {
			resultCh <- code
		},
	}
	table.Register(info)
	assert.Equal(t, 1, table.Len())

	assert.True(t, table.Resolve(key, []byte("ok"), 0))
	assert.Equal(t, int32(0), <-resultCh)
	assert.Equal(t, 0, table.Len())

	// A resolve on an already-resolved key is a no-op.
	assert.False(t, table.Resolve(key, nil, 0))
}

func TestTableTimeoutBeforeResolve(t *testing.T) {
	table := NewTable()
	key := Key{QueryID: 5, TaskID: 9}

	resultCh := make(chan int32, 1)
	table.Register(&SendInfo{
		Key: key,
		Callback: func(param interface{}, body []byte, code int32) {
			resultCh <- code
		},
	})

	assert.True(t, table.Timeout(key, 7))
	assert.Equal(t, int32(7), <-resultCh)

	// A late resolve after timeout must not invoke the callback again.
	assert.False(t, table.Resolve(key, []byte("late"), 0))
}

func TestTableDropAll(t *testing.T) {
	table := NewTable()
	var fired int
	var mu sync.Mutex
	for i := uint64(0); i < 3; i++ {
		table.Register(&SendInfo{
			Key: Key{QueryID: i, TaskID: i},
			Callback: func(param interface{}, body []byte, code int32) {
				mu.Lock()
				fired++
				mu.Unlock()
			},
		})
	}

	table.DropAll(99)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, fired)
	assert.Equal(t, 0, table.Len())
}
