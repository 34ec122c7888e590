package txservice

import "context"

// TryMoveFutureTxs runs a promotion pass on its own.
func (s *Service) TryMoveFutureTxs(ctx context.Context, pubKey string, highest uint64) error {
	return s.group.Do(ctx, func(ctx context.Context) error {
		return s.tryMoveFutureTxs(ctx, pubKey, highest)
	})
}
