// Package readers attaches card readers to the engine and announces them.
//
// Attaching a freshly plugged reader often fails for a while: the device is
// still settling, or a transient USB error got in the way. Tracker retries with
// growing delays and resets the device once along the way.
package readers

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/message"
	"scard-broker/metrics"
	"scard-broker/pcsc"
	"scard-broker/transport"
	"scard-broker/value"
)

const (
	InitAddMessageType   = "reader_init_add"
	FinishAddMessageType = "reader_finish_add"
	RemoveMessageType    = "reader_remove"
)

const (
	DefaultMaxRetries       = 60
	DefaultRetriesTillReset = 10
)

type InitAddData struct {
	ReaderName string `value:"reader_name"`
	Port       int    `value:"port"`
	Device     string `value:"device"`
}

type FinishAddData struct {
	ReaderName string          `value:"reader_name"`
	Port       int             `value:"port"`
	Device     string          `value:"device"`
	ReturnCode pcsc.ReturnCode `value:"return_code"`
}

type RemoveData struct {
	ReaderName string `value:"reader_name"`
	Port       int    `value:"port"`
}

// Driver makes readers known to the engine.
type Driver interface {
	AttachReader(ctx context.Context, name string, port int, device string) error
	DetachReader(name string, port int) error
}

// DeviceResetter resets the device behind a reader. Drivers may implement it.
type DeviceResetter interface {
	ResetDevice(ctx context.Context, device string) error
}

type Config struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetriesTillReset int           `mapstructure:"retries_till_reset" yaml:"retries_till_reset"`
	BackoffMin       time.Duration `mapstructure:"backoff_min" yaml:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       DefaultMaxRetries,
		RetriesTillReset: DefaultRetriesTillReset,
		BackoffMin:       100 * time.Millisecond,
		BackoffMax:       time.Second,
	}
}

type Tracker struct {
	driver   Driver
	resetter DeviceResetter
	sender   transport.Sender
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New returns a tracker posting its notifications through sender. The driver
// is also used as DeviceResetter when it implements it.
func New(driver Driver, sender transport.Sender, config Config, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	t := &Tracker{
		driver:  driver,
		sender:  sender,
		config:  config,
		logger:  logging.OrNop(logger).Named("readers"),
		metrics: m,
	}
	t.resetter, _ = driver.(DeviceResetter)
	return t
}

// AddReader attaches a reader, retrying failed attempts up to the configured
// ceiling. The reader_finish_add notification carries the final status code,
// which is also returned as error.
func (t *Tracker) AddReader(ctx context.Context, name string, port int, device string) error {
	log := t.logger.With(zap.String("reader", name), zap.Int("port", port), zap.String("device", device))
	t.post(InitAddMessageType, InitAddData{ReaderName: name, Port: port, Device: device})

	b := &backoff.Backoff{Min: t.config.BackoffMin, Max: t.config.BackoffMax, Factor: 2}
	var err error
	for retries := 0; ; retries++ {
		if err = t.driver.AttachReader(ctx, name, port, device); err == nil {
			t.metrics.ReaderAttachAttempt("succeeded")
			log.Info("reader attached", zap.Int("retries", retries))
			break
		}
		t.metrics.ReaderAttachAttempt("failed")
		if retries >= t.config.MaxRetries {
			log.Warn("giving up on reader", zap.Int("retries", retries), zap.Error(err))
			break
		}
		if retries == t.config.RetriesTillReset && t.resetter != nil {
			log.Info("resetting device after repeated attach failures")
			if rerr := t.resetter.ResetDevice(ctx, device); rerr != nil {
				log.Warn("device reset failed", zap.Error(rerr))
			}
		}
		delay := b.Duration()
		log.Debug("reader attach failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			err = ctx.Err()
		}
		break
	}

	t.post(FinishAddMessageType, FinishAddData{
		ReaderName: name, Port: port, Device: device, ReturnCode: pcsc.CodeOf(err),
	})
	return err
}

func (t *Tracker) RemoveReader(name string, port int) error {
	err := t.driver.DetachReader(name, port)
	if err != nil {
		t.logger.Warn("reader detach failed", zap.String("reader", name), zap.Error(err))
	}
	t.post(RemoveMessageType, RemoveData{ReaderName: name, Port: port})
	return err
}

func (t *Tracker) post(messageType string, data any) {
	if t.sender == nil {
		return
	}
	msg := message.TypedMessage{Type: messageType, Data: value.MustFrom(data)}
	if err := t.sender.PostMessage(msg); err != nil {
		t.logger.Warn("failed to post reader notification", zap.String("type", messageType), zap.Error(err))
	}
}
