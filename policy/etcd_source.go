package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"scard-broker/codec"
	"scard-broker/logging"
	"scard-broker/transport"
)

const DefaultEtcdKey = "/scard-broker/admin-policy"

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Key         string        `mapstructure:"key" yaml:"key"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// EtcdSource stores the admin policy under one etcd key, JSON encoded.
//
//	Key:   /scard-broker/admin-policy (configurable)
//	Value: {"force_allowed_client_app_ids": [...], "scard_disconnect_fallback_client_app_ids": [...]}
//
// Watch turns every put of the key into an update_admin_policy message.
type EtcdSource struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	key    string
	codec  codec.Codec
	logger *zap.Logger
}

func NewEtcdSource(cfg EtcdConfig, logger *zap.Logger) (*EtcdSource, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("policy: no etcd endpoints")
	}
	logger = logging.OrNop(logger).Named("policy_etcd")
	key := cfg.Key
	if key == "" {
		key = DefaultEtcdKey
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("client"),
	})
	if err != nil {
		return nil, fmt.Errorf("policy: etcd client: %w", err)
	}
	return &EtcdSource{
		client: c,
		key:    key,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		logger: logger.With(zap.String("key", key)),
	}, nil
}

// Publish stores p. Every watcher of the key picks it up.
func (s *EtcdSource) Publish(ctx context.Context, p AdminPolicy) error {
	val, err := s.codec.Encode(p)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.key, string(val)); err != nil {
		return fmt.Errorf("policy: put %s: %w", s.key, err)
	}
	return nil
}

// Load returns the stored policy, if any, and the revision it was read at.
func (s *EtcdSource) Load(ctx context.Context) (AdminPolicy, bool, int64, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return AdminPolicy{}, false, 0, fmt.Errorf("policy: get %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return AdminPolicy{}, false, resp.Header.Revision, nil
	}
	var p AdminPolicy
	if err := s.codec.Decode(resp.Kvs[0].Value, &p); err != nil {
		return AdminPolicy{}, false, resp.Header.Revision, fmt.Errorf("policy: decode %s: %w", s.key, err)
	}
	return p, true, resp.Header.Revision, nil
}

// Watch dispatches the stored policy, then every later update, until ctx is
// done. Malformed values are logged and skipped.
func (s *EtcdSource) Watch(ctx context.Context, d transport.Dispatcher) error {
	p, ok, rev, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if ok {
		Publish(ctx, d, p)
	}

	// Watch uses etcd's server push, starting right after the revision we read.
	watchChan := s.client.Watch(clientv3.WithRequireLeader(ctx), s.key, clientv3.WithRev(rev+1))
	for resp := range watchChan {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("policy: watch %s: %w", s.key, err)
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				s.logger.Info("admin policy key deleted; keeping the last policy")
				continue
			}
			var p AdminPolicy
			if err := s.codec.Decode(ev.Kv.Value, &p); err != nil {
				s.logger.Warn("skipping malformed admin policy", zap.Error(err))
				continue
			}
			Publish(ctx, d, p)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("policy: etcd watch channel closed")
}

func (s *EtcdSource) Close() error {
	return s.client.Close()
}
