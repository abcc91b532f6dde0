package credentials

import (
	"context"
	"errors"
)

// RefreshObserver is told when a call pauses to refresh its token. Both
// methods run on the calling task.
type RefreshObserver interface {
	RefreshStarted()
	RefreshFinished()
}

// tokenError is implemented by provider errors that can reject an access
// token and carry the failure of the refresh that followed.
type tokenError interface {
	error
	IsTokenError() bool
	AttachRefreshError(error)
}

// CallWithRefresh runs do with the current access token. When do fails with
// a token error, the token is refreshed (once across all concurrent callers)
// and do runs exactly one more time with the new token. If the refresh fails,
// the original error is returned with the refresh failure attached and no
// further attempt is made. observer may be nil.
func CallWithRefresh[T any](
	ctx context.Context, s *Store, r Refresher, observer RefreshObserver,
	do func(ctx context.Context, accessToken string) (T, error),
) (T, error) {
	token := s.AccessToken()

	res, err := do(ctx, token)
	if err == nil {
		return res, nil
	}

	var te tokenError
	if !errors.As(err, &te) || !te.IsTokenError() {
		return res, err
	}

	if observer != nil {
		observer.RefreshStarted()
	}

	fresh, refreshErr := s.Refresh(ctx, token, r)
	if refreshErr != nil {
		te.AttachRefreshError(refreshErr)

		var zero T

		return zero, err
	}

	if observer != nil {
		observer.RefreshFinished()
	}

	return do(ctx, fresh)
}
