package readers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/message"
	"scard-broker/pcsc"
	"scard-broker/value"
)

type recorder struct {
	mu       sync.Mutex
	messages []message.TypedMessage
}

func (r *recorder) PostMessage(msg message.TypedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) last() message.TypedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[len(r.messages)-1]
}

// flakyDriver fails the first failures attaches with code.
type flakyDriver struct {
	failures int
	code     pcsc.ReturnCode

	attempts int
	resets   []int
}

func (d *flakyDriver) AttachReader(context.Context, string, int, string) error {
	d.attempts++
	if d.attempts <= d.failures {
		return d.code
	}
	return nil
}

func (d *flakyDriver) DetachReader(string, int) error { return nil }

func (d *flakyDriver) ResetDevice(context.Context, string) error {
	d.resets = append(d.resets, d.attempts)
	return nil
}

func fastConfig() Config {
	c := DefaultConfig()
	c.BackoffMin = time.Microsecond
	c.BackoffMax = time.Microsecond
	return c
}

func finishCode(t *testing.T, msg message.TypedMessage) pcsc.ReturnCode {
	t.Helper()
	var data FinishAddData
	require.NoError(t, value.Decode(msg.Data, &data))
	return data.ReturnCode
}

func TestAttachSucceedsWithinRetryCeiling(t *testing.T) {
	d := &flakyDriver{failures: 5, code: pcsc.SCARD_E_NOT_READY}
	r := &recorder{}
	tr := New(d, r, fastConfig(), nil, nil)

	require.NoError(t, tr.AddReader(context.Background(), "Reader", 1, "usb:1:2"))
	assert.Equal(t, 6, d.attempts)
	assert.Empty(t, d.resets)
	assert.Equal(t, []string{InitAddMessageType, FinishAddMessageType}, r.types())
	assert.Equal(t, pcsc.SCARD_S_SUCCESS, finishCode(t, r.last()))
}

func TestAttachResetsDeviceAfterTenRetries(t *testing.T) {
	d := &flakyDriver{failures: 20, code: pcsc.SCARD_E_NOT_READY}
	tr := New(d, &recorder{}, fastConfig(), nil, nil)

	require.NoError(t, tr.AddReader(context.Background(), "Reader", 1, "usb:1:2"))
	assert.Equal(t, 21, d.attempts)
	assert.Equal(t, []int{11}, d.resets)
}

func TestAttachGivesUpBeyondRetryCeiling(t *testing.T) {
	d := &flakyDriver{failures: 1000, code: pcsc.SCARD_E_NOT_READY}
	r := &recorder{}
	tr := New(d, r, fastConfig(), nil, nil)

	err := tr.AddReader(context.Background(), "Reader", 1, "usb:1:2")
	assert.ErrorIs(t, err, pcsc.SCARD_E_NOT_READY)
	assert.Equal(t, DefaultMaxRetries+1, d.attempts)
	assert.Len(t, d.resets, 1)
	assert.Equal(t, pcsc.SCARD_E_NOT_READY, finishCode(t, r.last()))
}

func TestAttachStopsWhenContextIsDone(t *testing.T) {
	d := &flakyDriver{failures: 1000, code: pcsc.SCARD_E_NOT_READY}
	r := &recorder{}
	cfg := DefaultConfig()
	cfg.BackoffMin, cfg.BackoffMax = time.Hour, time.Hour
	tr := New(d, r, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.AddReader(ctx, "Reader", 1, "usb:1:2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.attempts)
	assert.Equal(t, pcsc.SCARD_F_INTERNAL_ERROR, finishCode(t, r.last()))
}

func TestSimulatorAsDriver(t *testing.T) {
	sim := pcsc.NewSimulator(nil)
	sim.FailNextAttaches(pcsc.SCARD_E_NOT_READY, pcsc.SCARD_E_NOT_READY)
	r := &recorder{}
	tr := New(sim, r, fastConfig(), nil, nil)

	require.NoError(t, tr.AddReader(context.Background(), "Sim Reader", 0, "usb:9"))
	c, err := sim.EstablishContext(pcsc.SCARD_SCOPE_SYSTEM)
	require.NoError(t, err)
	names, err := sim.ListReaders(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sim Reader"}, names)

	require.NoError(t, tr.RemoveReader("Sim Reader", 0))
	assert.Equal(t, []string{InitAddMessageType, FinishAddMessageType, RemoveMessageType}, r.types())
	var removed RemoveData
	require.NoError(t, value.Decode(r.last().Data, &removed))
	assert.Equal(t, RemoveData{ReaderName: "Sim Reader", Port: 0}, removed)
}
