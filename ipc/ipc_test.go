package ipc

import (
	"bytes"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDsAreUniqueAndIncreasing(t *testing.T) {
	r := NewRegistry(nil, nil)
	var last int64
	for i := 0; i < 50; i++ {
		a, b := r.CreatePair(i%2 == 0)
		assert.Greater(t, a, last)
		assert.Greater(t, b, a)
		last = b
		if i%3 == 0 {
			require.NoError(t, r.Close(a))
		}
	}
	first, _ := NewRegistry(nil, nil).CreatePair(false)
	assert.Equal(t, int64(1), first)
}

func TestStreamPreservesBytesInOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(false)

	rng := rand.New(rand.NewSource(1))
	var written []byte
	var read []byte
	for i := 0; i < 200; i++ {
		chunk := make([]byte, rng.Intn(64)+1)
		rng.Read(chunk)
		require.NoError(t, r.Write(a, chunk))
		written = append(written, chunk...)

		if rng.Intn(2) == 0 {
			data, err := r.Read(b, rng.Intn(100)+1)
			require.NoError(t, err)
			read = append(read, data...)
		}
	}
	for {
		data, err := r.Read(b, 17)
		if err == ErrNoData {
			break
		}
		require.NoError(t, err)
		read = append(read, data...)
	}
	assert.Equal(t, written, read)
}

func TestReadReturnsPartialData(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(false)
	require.NoError(t, r.Write(a, []byte("abc")))

	data, err := r.Read(b, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = r.Read(b, 10)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestCloseIsSymmetric(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(false)
	require.NoError(t, r.Close(a))

	assert.ErrorIs(t, r.Write(b, []byte("x")), ErrClosed)
	_, err := r.Read(b, 1)
	assert.ErrorIs(t, err, ErrClosed)
	state, err := r.WaitReadable(b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Closed, state)

	assert.ErrorIs(t, r.Close(a), ErrAlreadyClosed)
	assert.NoError(t, r.Close(b))
	assert.ErrorIs(t, r.Write(a, []byte("x")), ErrUnknownChannel)
	assert.Equal(t, 0, r.OpenCount())
}

func TestWritingToDroppedPeerFails(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(false)
	require.NoError(t, r.Close(b))
	runtime.GC()
	assert.ErrorIs(t, r.Write(a, []byte("x")), ErrClosed)
}

func TestCloseWakesBlockedWaiters(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(true)

	var wg sync.WaitGroup
	results := make(chan ReadState, 2)
	for _, id := range []int64{a, b} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			state, _ := r.WaitReadable(id, -1)
			results <- state
		}(id)
	}
	readErr := make(chan error, 1)
	go func() {
		_, err := r.Read(b, 8)
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close(a))
	wg.Wait()
	close(results)
	for state := range results {
		assert.Equal(t, Closed, state)
	}
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocking read was not woken by close")
	}
}

func TestWaitReadableTimesOut(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, b := r.CreatePair(false)
	start := time.Now()
	state, err := r.WaitReadable(b, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, state)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	state, err = r.WaitReadable(999, 0)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, Closed, state)
}

func TestWaitReadableWakesOnWrite(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Write(a, []byte{1})
	}()
	state, err := r.WaitReadable(b, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Readable, state)
}

func TestEndpointAsStream(t *testing.T) {
	r := NewRegistry(nil, nil)
	q := NewAcceptQueue(r, nil)
	client := Dial(r, q)
	serverID, ok := q.WaitAndPop()
	require.True(t, ok)
	server := r.Endpoint(serverID)

	payload := bytes.Repeat([]byte("apdu"), 1000)
	go func() {
		for i := 0; i < len(payload); i += 100 {
			_, _ = client.Write(payload[i : i+100])
		}
	}()
	got := make([]byte, len(payload))
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, client.Close())
	n, err := server.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestAcceptQueueShutDown(t *testing.T) {
	r := NewRegistry(nil, nil)
	q := NewAcceptQueue(r, nil)

	done := make(chan bool)
	go func() {
		_, ok := q.WaitAndPop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.ShutDown()
	assert.False(t, <-done)

	client := Dial(r, q)
	_, err := client.Write([]byte("hello"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentWritersKeepChunksIntact(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, b := r.CreatePair(false)

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w byte) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = r.Write(a, []byte{w, w, w, w})
			}
		}(byte(w))
	}
	wg.Wait()

	var all []byte
	for {
		data, err := r.Read(b, 1024)
		if err == ErrNoData {
			break
		}
		require.NoError(t, err)
		all = append(all, data...)
	}
	require.Len(t, all, writers*perWriter*4)
	for i := 0; i < len(all); i += 4 {
		assert.Equal(t, []byte{all[i], all[i], all[i], all[i]}, all[i:i+4])
	}
}
