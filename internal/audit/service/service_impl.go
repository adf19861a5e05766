package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/fleetform/fleetform/internal/audit/domain"
	obscontext "github.com/fleetform/fleetform/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	GenID      *snowflake.Node
	Repository domain.Repository
	Logger     *zap.Logger
}

type serviceImpl struct {
	db         *gorm.DB
	genID      *snowflake.Node
	repository domain.Repository
	logger     *zap.Logger
}

func New(p Params) domain.Service {
	return &serviceImpl{
		db:         p.DB,
		genID:      p.GenID,
		repository: p.Repository,
		logger:     p.Logger.Named("audit"),
	}
}

func (s *serviceImpl) Record(ctx context.Context, action, targetType string, targetID *string, metadata map[string]any) error {
	entry := &domain.AuditLog{
		ID:         s.genID.Generate(),
		Actor:      actorLabel(ctx),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if len(metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(metadata)
	}
	if err := s.repository.Insert(ctx, s.db, entry); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("action", action),
			zap.String("target_type", targetType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func actorLabel(ctx context.Context) string {
	actorType, actorID := obscontext.ActorFromContext(ctx)
	switch {
	case actorType == "" && actorID == "":
		return "system"
	case actorID == "":
		return actorType
	case actorType == "":
		return actorID
	default:
		return actorType + ":" + actorID
	}
}
