package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ticketsync/internal/apiclient"
	"ticketsync/internal/channel"
	"ticketsync/internal/channel/chat"
	"ticketsync/internal/channel/email"
	"ticketsync/internal/channel/vendorrest"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
	"ticketsync/internal/ratelimit"
)

// BuildRegistry 每个 integration 一个限流器，同一凭证下的渠道共享；客户端按渠道构造
func BuildRegistry(ctx context.Context, configs []integration.Config, pageCap int, logger *zap.Logger) (*integration.Registry, error) {
	registry := integration.NewRegistry()
	limiters := ratelimit.NewRegistry()

	for _, cfg := range configs {
		rl := cfg.EffectiveRateLimit()
		limiter := limiters.Get(cfg.ID, rl.MaxCalls, rl.Window)
		in := &integration.Integration{Config: cfg}
		log := logger.With(zap.String("integration_id", cfg.ID))

		for _, ch := range cfg.Channels {
			adapter, client, err := buildAdapter(ctx, cfg, ch, limiter, pageCap, log)
			if err != nil {
				return nil, fmt.Errorf("integration %s channel %s: %w", cfg.ID, ch.Label(), err)
			}
			in.Adapters = append(in.Adapters, adapter)
			if client != nil {
				in.Clients = append(in.Clients, client)
			}
			if single, ok := adapter.(channel.SingleFetcher); ok && in.Single == nil {
				in.Single = single
			}
		}

		registry.Register(in)
		log.Info("Integration registered",
			zap.String("vendor", cfg.Vendor),
			zap.Bool("enabled", cfg.Enabled),
			zap.Int("channels", len(in.Adapters)),
			zap.Int("rate_limit", rl.MaxCalls),
		)
	}
	return registry, nil
}

func buildAdapter(
	ctx context.Context,
	cfg integration.Config,
	ch integration.ChannelConfig,
	limiter *ratelimit.SlidingWindow,
	pageCap int,
	logger *zap.Logger,
) (channel.Adapter, *apiclient.Client, error) {
	switch ch.Kind {
	case model.ChannelVendorRest:
		client := apiclient.New(apiclient.Config{
			Vendor:  integration.VendorZendesk,
			BaseURL: vendorrest.BaseURL(*ch.VendorRest),
			PageCap: pageCap,
		}, limiter, vendorrest.Authenticator(*ch.VendorRest), logger)
		return vendorrest.New(cfg.ID, ch, client, logger), client, nil

	case model.ChannelChat:
		client := apiclient.New(apiclient.Config{
			Vendor:  integration.VendorSlack,
			BaseURL: chat.BaseURL(*ch.Chat),
			PageCap: pageCap,
		}, limiter, chat.Authenticator(*ch.Chat), logger)
		return chat.New(cfg.ID, ch, client, logger), client, nil

	case model.ChannelEmail:
		mailbox, err := email.NewMailbox(ctx, *ch.Email, limiter, logger)
		if err != nil {
			return nil, nil, err
		}
		return email.New(cfg.ID, ch, mailbox, logger), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown channel kind %q", ch.Kind)
}
