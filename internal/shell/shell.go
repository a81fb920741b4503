// Package shell implements the interactive shell-session service (C6): it
// opens an exec session inside a running container, pumps its output to a
// per-session callback, accepts input and resize requests, and reaps
// sessions once their absolute wall-clock TTL (measured from creation)
// elapses.
//
// Grounded on pkg/process/manager.go's shutdown timer/ticker race
// (time.NewTicker combined with a time.After deadline inside one select),
// reused here to poll session age against its deadline instead of polling a
// dying process for graceful exit.
package shell

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/engine"
)

// Engine is the subset of internal/engine.Client the service depends on.
type Engine interface {
	CreateExec(ctx context.Context, containerID, shell string) (*engine.ExecSession, error)
	ResizeExecTTY(ctx context.Context, execID string, width, height uint) error
	ExecExitCode(ctx context.Context, execID string) (int, error)
}

const (
	defaultTTL      = 15 * time.Minute
	ttlPollInterval = 5 * time.Second
	defaultShell    = "/bin/sh"
)

// EndedReason explains why a session ended.
type EndedReason string

const (
	EndedTerminatedByClient EndedReason = "terminated by client"
	EndedSessionTimeout     EndedReason = "Session timeout"
	EndedProcessExited      EndedReason = "process exited"
)

type session struct {
	appName   string
	exec      *engine.ExecSession
	createdAt time.Time
	cancel    context.CancelFunc
}

func (s *session) age() time.Duration {
	return time.Since(s.createdAt)
}

// Service manages interactive shell sessions across containers. Sessions
// expire on an absolute wall-clock TTL measured from creation, not on
// idleness: a busy session is not exempt from its timeout.
type Service struct {
	log logrus.FieldLogger
	eng Engine
	ttl time.Duration

	maxGlobalSessions int
	maxPerAppSessions int

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService creates a Service. maxGlobalSessions/maxPerAppSessions <= 0
// means unlimited.
func NewService(log logrus.FieldLogger, eng Engine, ttl time.Duration, maxGlobalSessions, maxPerAppSessions int) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Service{
		log:               log.WithField("component", "shell-service"),
		eng:               eng,
		ttl:               ttl,
		maxGlobalSessions: maxGlobalSessions,
		maxPerAppSessions: maxPerAppSessions,
		sessions:          make(map[string]*session, 8),
	}
}

func (s *Service) countForApp(appName string) int {
	n := 0

	for _, sess := range s.sessions {
		if sess.appName == appName {
			n++
		}
	}

	return n
}

// Create opens a new shell session against containerID, keyed by sessionID
// and attributed to appName for per-app caps and terminate_app_sessions.
// onOutput is invoked with each chunk read from the exec stream; onEnded is
// invoked exactly once when the session terminates.
func (s *Service) Create(sessionID, appName, containerID, shellBin string, onOutput func([]byte), onEnded func(EndedReason, int)) error {
	s.mu.Lock()

	if s.maxGlobalSessions > 0 && len(s.sessions) >= s.maxGlobalSessions {
		s.mu.Unlock()

		return fmt.Errorf("shell session limit reached (%d)", s.maxGlobalSessions)
	}

	if s.maxPerAppSessions > 0 && s.countForApp(appName) >= s.maxPerAppSessions {
		s.mu.Unlock()

		return fmt.Errorf("shell session limit reached for app %q (%d)", appName, s.maxPerAppSessions)
	}

	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()

		return fmt.Errorf("session %q already exists", sessionID)
	}

	s.mu.Unlock()

	if shellBin == "" {
		shellBin = defaultShell
	}

	ctx, cancel := context.WithCancel(context.Background())

	exec, err := s.eng.CreateExec(ctx, containerID, shellBin)
	if err != nil {
		cancel()

		return fmt.Errorf("failed to create exec session: %w", err)
	}

	sess := &session{appName: appName, exec: exec, createdAt: time.Now(), cancel: cancel}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	go s.pumpOutput(ctx, sessionID, sess, onOutput, onEnded)
	go s.watchTTL(ctx, sessionID, sess, onEnded)

	return nil
}

func (s *Service) pumpOutput(ctx context.Context, sessionID string, sess *session, onOutput func([]byte), onEnded func(EndedReason, int)) {
	buf := make([]byte, 32*1024)

	for {
		n, err := sess.exec.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}

		if err != nil {
			reason := EndedProcessExited
			if ctx.Err() != nil {
				reason = EndedTerminatedByClient
			}

			if err != io.EOF && ctx.Err() == nil {
				s.log.WithError(err).WithField("session", sessionID).Warn("exec read error")
			}

			code, _ := s.eng.ExecExitCode(context.Background(), sess.exec.ID)
			s.remove(sessionID)
			onEnded(reason, code)

			return
		}
	}
}

// watchTTL enforces the session's absolute wall-clock timeout, measured
// from creation rather than from last activity: a continuously active
// session is not exempt, matching the expiry semantics clients are
// contracted to see.
func (s *Service) watchTTL(ctx context.Context, sessionID string, sess *session, onEnded func(EndedReason, int)) {
	ticker := time.NewTicker(ttlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.age() >= s.ttl {
				s.log.WithField("session", sessionID).Info("shell session timed out")
				sess.exec.Close()
				s.remove(sessionID)
				onEnded(EndedSessionTimeout, -1)

				return
			}
		}
	}
}

// Write sends client input to the session's underlying exec stream.
func (s *Service) Write(sessionID string, data []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	_, err := sess.exec.Write(data)

	return err
}

// Resize adjusts the session's TTY dimensions.
func (s *Service) Resize(ctx context.Context, sessionID string, width, height uint) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	return s.eng.ResizeExecTTY(ctx, sess.exec.ID, width, height)
}

// Terminate ends a session on client request.
func (s *Service) Terminate(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok {
		return
	}

	sess.cancel()
	sess.exec.Close()
	s.remove(sessionID)
}

// TerminateApp ends every session belonging to appName, used when an app's
// containers are about to be torn down (Stop/Purge/Destroy) so no shell
// session is left attached to a container that no longer exists.
func (s *Service) TerminateApp(appName string) {
	s.mu.Lock()
	var matched []string

	for id, sess := range s.sessions {
		if sess.appName == appName {
			matched = append(matched, id)
		}
	}
	s.mu.Unlock()

	for _, id := range matched {
		s.Terminate(id)
	}
}

func (s *Service) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
}

// ActiveSessions returns the ids of currently open sessions.
func (s *Service) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}

	return ids
}
