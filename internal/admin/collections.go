package admin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
)

// ErrCollectionsUnavailable is returned by collection calls on a Service built
// without an orchestrator.
var ErrCollectionsUnavailable = errors.New("admin: collection access is not configured")

// Mutate runs p for owner through the orchestrator. targetID is nil only for
// create_collection.
func (s *Service) Mutate(ctx context.Context, ownerID int64, targetID *int64, p operation.Payload) (*orchestrator.Result, error) {
	if s.orch == nil {
		return nil, ErrCollectionsUnavailable
	}

	var target int64
	if targetID != nil {
		target = *targetID
	}

	var (
		res *orchestrator.Result
		err error
	)
	switch v := p.(type) {
	case operation.CreateCollection:
		res, err = s.orch.CreateCollection(ctx, ownerID, v)
	case operation.UpdateCollection:
		res, err = s.orch.UpdateCollection(ctx, ownerID, target, v)
	case operation.DeleteCollection:
		res, err = s.orch.DeleteCollection(ctx, ownerID, target)
	case operation.ClearCollection:
		res, err = s.orch.ClearCollection(ctx, ownerID, target)
	case operation.AddItem:
		res, err = s.orch.AddItem(ctx, ownerID, target, v.ItemID)
	case operation.RemoveItem:
		res, err = s.orch.RemoveItem(ctx, ownerID, target, v.ItemID)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", operation.ErrInvalidPayload, p)
	}
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("operation_type", string(p.OperationType())),
		zap.Int64("owner_id", ownerID),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Operation != nil {
		fields = append(fields, zap.String("operation_id", res.Operation.ID))
	}
	s.logger.Debug("collection mutation", fields...)
	return res, nil
}

// Collection returns one collection, cache first.
func (s *Service) Collection(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[backend.Collection], error) {
	if s.orch == nil {
		return nil, ErrCollectionsUnavailable
	}
	return s.orch.GetCollection(ctx, ownerID, targetID)
}

// Items returns a collection's items, cache first.
func (s *Service) Items(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[[]backend.Item], error) {
	if s.orch == nil {
		return nil, ErrCollectionsUnavailable
	}
	return s.orch.GetItems(ctx, ownerID, targetID)
}

// OwnerCollections returns an owner's collections including queued creates.
func (s *Service) OwnerCollections(ctx context.Context, ownerID int64) (*orchestrator.Read[[]backend.Collection], error) {
	if s.orch == nil {
		return nil, ErrCollectionsUnavailable
	}
	return s.orch.GetOwnerCollections(ctx, ownerID)
}
