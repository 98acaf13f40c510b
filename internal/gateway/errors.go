package gateway

import (
	"fmt"

	"github.com/botloader/scheduler/internal/apierr"
)

func errNotFoundChannel(id uint64) error {
	return apierr.New(apierr.NotFound, 0, 0, fmt.Sprintf("channel %d not in state", id))
}

func errThreadNoParent(id uint64) error {
	return apierr.New(apierr.InvalidArgument, 0, 0, fmt.Sprintf("thread %d has no parent channel", id))
}
