package subscription

import (
	"context"
	"errors"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

// OwnerAuthorizer lets a user watch a resource whose current progress they
// own. A resource with no progress yet is allowed so clients can subscribe
// before the job starts.
type OwnerAuthorizer struct {
	Reader CurrentReader
}

func (a OwnerAuthorizer) Authorize(ctx context.Context, userID string, t progress.Type, resourceID string) (bool, error) {
	rec, err := a.Reader.GetCurrent(ctx, t, resourceID)
	if errors.Is(err, progress.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.UserID == userID, nil
}

// AllowAll permits every subscription.
var AllowAll = AuthorizerFunc(func(context.Context, string, progress.Type, string) (bool, error) {
	return true, nil
})
