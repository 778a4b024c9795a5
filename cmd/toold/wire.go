package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/db"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/pending"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registration"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

type stores struct {
	Trust   trust.Store
	Pending pending.Store

	db    *sql.DB
	redis *redis.Client
}

func openStores(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*stores, error) {
	st := &stores{}

	if cfg.DBDriver == "memory" {
		st.Trust = trust.NewMemoryStore()
	} else {
		driver, err := db.ParseDriver(cfg.DBDriver)
		if err != nil {
			return nil, err
		}
		dbh, err := db.Open(ctx, driver, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		st.db = dbh
		st.Trust = trust.NewSQLStore(dbh)
	}

	switch cfg.PendingDriver {
	case "memory":
		st.Pending = pending.NewMemoryStore(256)
	case "sql":
		if st.db == nil {
			st.Close()
			return nil, errors.New("pending driver sql needs a SQL database")
		}
		st.Pending = pending.NewSQLStore(st.db)
	case "redis":
		st.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := st.redis.Ping(ctx).Err(); err != nil {
			st.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		st.Pending = pending.NewRedisStore(st.redis, cfg.RedisPrefix)
	default:
		st.Close()
		return nil, fmt.Errorf("unknown pending driver %q", cfg.PendingDriver)
	}

	log.Infow("stores ready", "trust", fmt.Sprintf("%T", st.Trust), "pending", fmt.Sprintf("%T", st.Pending))
	return st, nil
}

// Ping reports whether the backing services answer.
func (s *stores) Ping(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// seedPlatforms upserts every config in a JSON array file.
func seedPlatforms(ctx context.Context, store trust.Store, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var cfgs []trust.PlatformTrustConfig
	if err := json.Unmarshal(b, &cfgs); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return i, fmt.Errorf("entry %d: %w", i, err)
		}
		if err := store.Upsert(ctx, c); err != nil {
			return i, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return len(cfgs), nil
}

// toolConfig describes this deployment to registering platforms.
func toolConfig(cfg config.Config) registration.ToolConfig {
	return registration.ToolConfig{
		Name:             cfg.ToolName,
		Description:      cfg.ToolDescription,
		LogoURI:          cfg.ToolLogoURI,
		InitiateLoginURI: cfg.LoginURL(),
		RedirectURIs:     []string{cfg.LaunchURL()},
		TargetLinkURI:    cfg.LaunchURL(),
		JWKSURI:          cfg.JWKSURL(),
		Scopes:           cfg.ToolScopes,
		Claims:           cfg.ToolClaims,
		PrivacyLevel:     cfg.ToolPrivacyLevel,
		Messages: []registration.Message{
			{
				Type:          lti.MessageResourceLink,
				TargetLinkURI: cfg.LaunchURL(),
				Label:         cfg.ToolName,
				IconURI:       cfg.ToolLogoURI,
				Placements:    cfg.ToolPlacements,
			},
			{
				Type:          lti.MessageDeepLinking,
				TargetLinkURI: cfg.LaunchURL(),
				Label:         cfg.ToolName,
			},
		},
	}
}
