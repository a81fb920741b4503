// Package logstream implements the log-stream service (C5): it tails a
// container's combined stdout/stderr via the Docker engine and delivers
// lines to a per-stream callback until the client stops it or the container
// exits.
//
// Grounded on pkg/tui/logs.go's LogStreamer (a map of stream name to
// context.CancelFunc guarded by a mutex, Start/StopService/ActiveServices,
// and a goroutine that removes its own map entry on exit), adapted from
// tailing local files/docker CLI subprocesses to calling internal/engine's
// ContainerLogs wrapper directly.
package logstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/engine"
)

// Engine is the subset of internal/engine.Client the service depends on.
type Engine interface {
	StreamLogs(ctx context.Context, containerID string, follow bool, tail string, onLine func(engine.LogLine)) error
}

// EndedReason explains why a stream stopped.
type EndedReason string

const (
	EndedStoppedByClient EndedReason = "stopped by client"
	EndedContainerExited EndedReason = "container exited"
	EndedError           EndedReason = "error"
)

type entry struct {
	appName string
	cancel  context.CancelFunc
}

// Service manages active log tails, one per stream id.
type Service struct {
	log logrus.FieldLogger
	eng Engine

	mu      sync.Mutex
	streams map[string]entry
}

// NewService creates a log-stream Service.
func NewService(log logrus.FieldLogger, eng Engine) *Service {
	return &Service{
		log:     log.WithField("component", "log-stream"),
		eng:     eng,
		streams: make(map[string]entry, 8),
	}
}

// Start begins tailing containerID under streamID, attributed to appName
// for stop_app_streams. onLine is invoked for every log line; onEnded is
// invoked exactly once when the tail stops, with the reason and, for
// EndedError, the triggering error.
func (s *Service) Start(streamID, appName, containerID string, follow bool, tail string, onLine func(engine.LogLine), onEnded func(EndedReason, error)) error {
	s.mu.Lock()

	if _, exists := s.streams[streamID]; exists {
		s.mu.Unlock()

		return fmt.Errorf("stream %q already active", streamID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.streams[streamID] = entry{appName: appName, cancel: cancel}
	s.mu.Unlock()

	go s.run(ctx, streamID, containerID, follow, tail, onLine, onEnded)

	return nil
}

func (s *Service) run(ctx context.Context, streamID, containerID string, follow bool, tail string, onLine func(engine.LogLine), onEnded func(EndedReason, error)) {
	err := s.eng.StreamLogs(ctx, containerID, follow, tail, onLine)

	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		onEnded(EndedStoppedByClient, nil)
	case err != nil:
		onEnded(EndedError, err)
	default:
		onEnded(EndedContainerExited, nil)
	}
}

// Stop cancels a stream if active. Stopping an unknown stream is a no-op.
func (s *Service) Stop(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.streams[streamID]; ok {
		e.cancel()
		delete(s.streams, streamID)
	}
}

// StopApp cancels every stream tailing a container belonging to appName,
// used when an app's containers are about to be torn down (Stop/Purge/
// Destroy) so no log-stream worker is left attached to a container that no
// longer exists.
func (s *Service) StopApp(appName string) {
	s.mu.Lock()
	var matched []string

	for id, e := range s.streams {
		if e.appName == appName {
			matched = append(matched, id)
		}
	}
	s.mu.Unlock()

	for _, id := range matched {
		s.Stop(id)
	}
}

// ActiveStreams returns the ids of streams currently being tailed.
func (s *Service) ActiveStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}

	return ids
}

// StopAll cancels every active stream, used on shutdown.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.streams {
		e.cancel()
		delete(s.streams, id)
	}
}
