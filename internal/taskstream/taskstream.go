// Package taskstream implements the task-output stream service (C7): it
// replays a task's buffered history to a newly subscribed client, then
// polls for newly appended lines and forwards them until the task ends or
// the client stops the stream.
//
// Grounded on pkg/cc/server.go's broadcastLoop (a ticker-driven poll against
// accumulated state that fans results out over the SSE hub), adapted here
// from one hub-wide ticker to one goroutine per active stream so a slow
// task output doesn't delay others.
package taskstream

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/apptypes"
)

// TaskManager is the subset of internal/task.Manager the service depends on.
type TaskManager interface {
	TaskState(id string) (apptypes.TaskState, bool)
	OutputFromSequence(id string, from uint64) ([]apptypes.OutputLine, bool)
}

const pollInterval = 100 * time.Millisecond

// historicalBatchSize bounds how many buffered lines are delivered per
// onLines call during replay, so a deep backlog doesn't arrive as one huge
// message.
const historicalBatchSize = 1000

// EndedReason explains why a task output stream stopped.
type EndedReason string

const (
	EndedCompleted       EndedReason = "completed"
	EndedFailed          EndedReason = "failed"
	EndedStoppedByClient EndedReason = "stopped by client"
)

type entry struct {
	cancel context.CancelFunc
}

// Service tails task output for subscribed clients.
type Service struct {
	log     logrus.FieldLogger
	tasks   TaskManager
	mu      sync.Mutex
	streams map[string]entry
}

// NewService creates a taskstream Service.
func NewService(log logrus.FieldLogger, tasks TaskManager) *Service {
	return &Service{
		log:     log.WithField("component", "task-stream"),
		tasks:   tasks,
		streams: make(map[string]entry, 8),
	}
}

// streamKey scopes stream identity to a (clientSessionID, taskID) pair so
// the same task can be tailed by multiple clients concurrently.
func streamKey(sessionID, taskID string) string {
	return sessionID + "\x00" + taskID
}

// Start replays from fromSequence (0 for full history) then tails taskID
// until it ends or is stopped. onLines delivers one or more lines per
// batch with isHistorical set during replay and hasMore set whenever more
// of the replay backlog remains to be delivered; onEnded fires exactly
// once.
func (s *Service) Start(sessionID, taskID string, fromSequence uint64, onLines func(lines []apptypes.OutputLine, isHistorical, hasMore bool), onEnded func(EndedReason)) {
	key := streamKey(sessionID, taskID)

	s.mu.Lock()
	if _, exists := s.streams[key]; exists {
		s.mu.Unlock()

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.streams[key] = entry{cancel: cancel}
	s.mu.Unlock()

	go s.run(ctx, key, taskID, fromSequence, onLines, onEnded)
}

func (s *Service) run(ctx context.Context, key, taskID string, fromSequence uint64, onLines func([]apptypes.OutputLine, bool, bool), onEnded func(EndedReason)) {
	defer func() {
		s.mu.Lock()
		delete(s.streams, key)
		s.mu.Unlock()
	}()

	next := fromSequence

	if lines, ok := s.tasks.OutputFromSequence(taskID, fromSequence); ok && len(lines) > 0 {
		for i := 0; i < len(lines); i += historicalBatchSize {
			end := min(i+historicalBatchSize, len(lines))
			onLines(lines[i:end], true, end < len(lines))
		}

		next = lines[len(lines)-1].Sequence + 1
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			onEnded(EndedStoppedByClient)

			return
		case <-ticker.C:
			lines, ok := s.tasks.OutputFromSequence(taskID, next)
			if !ok {
				onEnded(EndedCompleted)

				return
			}

			if len(lines) > 0 {
				onLines(lines, false, false)
				next = lines[len(lines)-1].Sequence + 1
			}

			state, ok := s.tasks.TaskState(taskID)
			if !ok {
				onEnded(EndedCompleted)

				return
			}

			if state == apptypes.TaskFinished {
				onEnded(EndedCompleted)

				return
			}

			if state == apptypes.TaskFailed {
				onEnded(EndedFailed)

				return
			}
		}
	}
}

// Stop ends a client's subscription to a task's output stream.
func (s *Service) Stop(sessionID, taskID string) {
	key := streamKey(sessionID, taskID)

	s.mu.Lock()
	e, ok := s.streams[key]
	s.mu.Unlock()

	if ok {
		e.cancel()
	}
}

// StopAll ends every active stream, used on shutdown.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.streams {
		e.cancel()
		delete(s.streams, key)
	}
}
