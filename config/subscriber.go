package config

import (
	"context"

	"go.uber.org/zap"

	"deepaudit/core"
)

// ModelReloader is implemented by the anomaly scorer; a config update that
// changes the model path triggers a reload.
type ModelReloader interface {
	LoadModelFile(path string) error
}

// Subscriber listens on the Redis config channel and applies parameter
// updates published by operators or peer instances.
type Subscriber struct {
	redis    *core.RedisClient
	params   *ParamStore
	reloader ModelReloader
	logger   *zap.SugaredLogger
}

func NewSubscriber(redis *core.RedisClient, params *ParamStore, reloader ModelReloader, logger *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		redis:    redis,
		params:   params,
		reloader: reloader,
		logger:   logger,
	}
}

// Run consumes config-update messages until the context is cancelled.
// Subscription failures are logged and do not stop the service; the last
// good snapshot stays in force.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.redis.Raw().Subscribe(ctx, core.ConfigChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	s.logger.Infow("config subscriber started", "channel", core.ConfigChannel)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn("config subscription channel closed")
				return
			}
			s.handle([]byte(msg.Payload))
		}
	}
}

func (s *Subscriber) handle(payload []byte) {
	modelChanged, err := s.params.ApplyJSON(payload)
	if err != nil {
		s.logger.Warnw("rejected config update", "error", err)
		return
	}
	p := s.params.Current()
	s.logger.Infow("applied config update",
		"decay_rate", p.DecayRate,
		"observation_threshold", p.ObservationThreshold,
		"block_threshold", p.BlockThreshold,
		"window_ttl", p.WindowTTL)

	if modelChanged && s.reloader != nil {
		if err := s.reloader.LoadModelFile(p.ModelPath); err != nil {
			s.logger.Errorw("model reload after config update failed", "path", p.ModelPath, "error", err)
		}
	}
}
