package service

import (
	"context"

	"github.com/CZERTAINLY/Keeper/internal/logqueue"
)

// LogQueue returns the queue of the current pipeline, nil when there is none.
func (s *Supervisor) LogQueue(ctx context.Context) (*logqueue.Queue[string], error) {
	var q *logqueue.Queue[string]
	err := s.actor.SubmitWait(ctx, func(context.Context) {
		q = s.queue
	})
	return q, err
}
