package port

import "context"

type FailureNotice struct {
	Email    string
	JobID    string
	Address  string
	VideoKey string
	Reason   string
}

type FailureNotifier interface {
	NotifyFailure(ctx context.Context, notice FailureNotice) error
}
