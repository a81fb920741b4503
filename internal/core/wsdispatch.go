package core

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/authz"
	"github.com/factorialio/scotty/internal/buffer"
	"github.com/factorialio/scotty/internal/engine"
	"github.com/factorialio/scotty/internal/logstream"
	"github.com/factorialio/scotty/internal/shell"
	"github.com/factorialio/scotty/internal/taskstream"
	"github.com/factorialio/scotty/internal/wsmsg"
	"github.com/factorialio/scotty/internal/wsproto"
)

// HandleMessage implements wsmsg.Handler, dispatching every client->server
// message kind named in spec §6 to the service that owns it.
func (c *Container) HandleMessage(client *wsmsg.Client, env wsproto.Envelope) {
	if env.Type == wsproto.TypeAuthenticate {
		c.handleAuthenticate(client, env)

		return
	}

	if !client.Authenticated() {
		client.Send(wsproto.TypeError, "not authenticated")

		return
	}

	switch env.Type {
	case wsproto.TypeStartLogStream:
		c.handleStartLogStream(client, env)
	case wsproto.TypeStopLogStream:
		c.handleStopLogStream(client, env)
	case wsproto.TypeCreateShellSession:
		c.handleCreateShellSession(client, env)
	case wsproto.TypeResizeShellTty:
		c.handleResizeShellTty(client, env)
	case wsproto.TypeTerminateShellSession:
		c.handleTerminateShellSession(client, env)
	case wsproto.TypeShellSessionData:
		c.handleShellSessionData(client, env)
	case wsproto.TypeStartTaskOutputStream:
		c.handleStartTaskOutputStream(client, env)
	case wsproto.TypeStopTaskOutputStream:
		c.handleStopTaskOutputStream(client, env)
	default:
		client.Send(wsproto.TypeError, "unknown message type: "+env.Type)
	}
}

// HandleDisconnect implements wsmsg.DisconnectHandler: every stream, shell
// session, and task-output subscription the client owned is torn down,
// per spec Testable Property 11.
func (c *Container) HandleDisconnect(client *wsmsg.Client) {
	c.connMu.Lock()
	streams := c.logOwned[client]
	sessions := c.shellOwned[client]
	tasks := c.taskOwned[client]
	delete(c.logOwned, client)
	delete(c.shellOwned, client)
	delete(c.taskOwned, client)
	c.connMu.Unlock()

	for streamID := range streams {
		c.LogStream.Stop(streamID)
	}

	for sessionID := range sessions {
		c.Shell.Terminate(sessionID)
	}

	if len(tasks) > 0 {
		sessionID := c.clientSessionID(client)
		for taskID := range tasks {
			c.TaskOut.Stop(sessionID, taskID)
		}
	}

	c.clientIDsMu.Lock()
	delete(c.clientIDs, client)
	c.clientIDsMu.Unlock()
}

func decodePayload[T any](env wsproto.Envelope) (T, error) {
	var payload T

	err := json.Unmarshal(env.Data, &payload)

	return payload, err
}

func (c *Container) handleAuthenticate(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.Authenticate](env)
	if err != nil {
		client.Send(wsproto.TypeAuthenticationFailed, wsproto.AuthenticationFailed{Reason: "malformed request"})

		return
	}

	switch c.cfg.AuthMode {
	case AuthDevelopment:
		client.SetAuthenticated("development")
		client.Send(wsproto.TypeAuthenticationSuccess, struct{}{})
	case AuthBearer:
		if !c.RateLimit.AllowAuthenticated(payload.Token) {
			client.Send(wsproto.TypeAuthenticationFailed, wsproto.AuthenticationFailed{Reason: "rate limit exceeded"})

			return
		}

		subject, ok := c.Authz.AuthenticateBearer(payload.Token)
		if !ok {
			client.Send(wsproto.TypeAuthenticationFailed, wsproto.AuthenticationFailed{Reason: "invalid token"})

			return
		}

		client.SetAuthenticated(subject)
		client.Send(wsproto.TypeAuthenticationSuccess, struct{}{})
	case AuthOAuth:
		if c.cfg.OIDCValidator == nil {
			client.Send(wsproto.TypeAuthenticationFailed, wsproto.AuthenticationFailed{Reason: "oauth not configured"})

			return
		}

		claims, err := c.cfg.OIDCValidator.ValidateToken(context.Background(), payload.Token)
		if err != nil {
			client.Send(wsproto.TypeAuthenticationFailed, wsproto.AuthenticationFailed{Reason: "invalid token"})

			return
		}

		client.SetAuthenticated(claims["email"])
		client.Send(wsproto.TypeAuthenticationSuccess, struct{}{})
	}
}

func (c *Container) resolveContainerID(ctx context.Context, appName, service string) (string, error) {
	return c.Engine.FindServiceContainer(ctx, appName, service)
}

func (c *Container) handleStartLogStream(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.StartLogStream](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed StartLogStream request")

		return
	}

	app, ok := c.Registry.Get(payload.App)
	if !ok {
		client.Send(wsproto.TypeError, "app not found: "+payload.App)

		return
	}

	if !c.Authz.CheckPermission(client.UserID(), appScopes(app), authz.Logs) {
		client.Send(wsproto.TypeError, "forbidden")

		return
	}

	containerID, err := c.resolveContainerID(context.Background(), payload.App, payload.Service)
	if err != nil {
		client.Send(wsproto.TypeError, "service not running: "+payload.Service)

		return
	}

	streamID := uuid.NewString()
	tail := "all"

	if payload.Tail != nil {
		tail = strconv.Itoa(*payload.Tail)
	}

	flusher := buffer.NewTimedFlush(buffer.DefaultFlushCount, buffer.DefaultFlushInterval, func(batch []apptypes.OutputLine) {
		lines := make([]string, len(batch))
		for i, l := range batch {
			lines[i] = l.Content
		}

		client.Send(wsproto.TypeLogsStreamData, wsproto.LogsStreamData{StreamID: streamID, Lines: lines})
	})

	err = c.LogStream.Start(streamID, payload.App, containerID, payload.Follow, tail,
		func(line engine.LogLine) {
			flusher.Add(apptypes.OutputLine{Timestamp: line.Timestamp, Content: line.Content})
		},
		func(reason logstream.EndedReason, cause error) {
			flusher.Flush()
			c.forgetLogStream(client, streamID)

			if cause != nil {
				client.Send(wsproto.TypeLogsStreamError, wsproto.LogsStreamError{StreamID: streamID, Error: cause.Error()})

				return
			}

			client.Send(wsproto.TypeLogsStreamEnded, wsproto.LogsStreamEnded{StreamID: streamID, Reason: string(reason)})
		},
	)
	if err != nil {
		client.Send(wsproto.TypeLogsStreamError, wsproto.LogsStreamError{StreamID: streamID, Error: err.Error()})

		return
	}

	c.rememberLogStream(client, streamID)
	client.Send(wsproto.TypeLogsStreamStarted, wsproto.LogsStreamStarted{StreamID: streamID, App: payload.App, Service: payload.Service})
}

func (c *Container) handleStopLogStream(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.StopLogStream](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed StopLogStream request")

		return
	}

	c.LogStream.Stop(payload.StreamID)
	c.forgetLogStream(client, payload.StreamID)
}

func (c *Container) handleCreateShellSession(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.CreateShellSession](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed CreateShellSession request")

		return
	}

	app, ok := c.Registry.Get(payload.App)
	if !ok {
		client.Send(wsproto.TypeError, "app not found: "+payload.App)

		return
	}

	if !c.Authz.CheckPermission(client.UserID(), appScopes(app), authz.Shell) {
		client.Send(wsproto.TypeError, "forbidden")

		return
	}

	containerID, err := c.resolveContainerID(context.Background(), payload.App, payload.Service)
	if err != nil {
		client.Send(wsproto.TypeError, "service not running: "+payload.Service)

		return
	}

	sessionID := uuid.NewString()

	err = c.Shell.Create(sessionID, payload.App, containerID, payload.Shell,
		func(data []byte) {
			client.Send(wsproto.TypeShellSessionData, wsproto.ShellSessionData{
				SessionID: sessionID, DataType: wsproto.ShellDataOutput, Data: string(data),
			})
		},
		func(reason shell.EndedReason, exitCode int) {
			c.forgetShellSession(client, sessionID)

			code := exitCode
			client.Send(wsproto.TypeShellSessionEnded, wsproto.ShellSessionEnded{
				SessionID: sessionID, ExitCode: &code, Reason: string(reason),
			})
		},
	)
	if err != nil {
		client.Send(wsproto.TypeShellSessionError, wsproto.ShellSessionError{SessionID: sessionID, Error: err.Error()})

		return
	}

	c.rememberShellSession(client, sessionID)
	client.Send(wsproto.TypeShellSessionCreated, wsproto.ShellSessionCreated{
		SessionID: sessionID, App: payload.App, Service: payload.Service,
	})
}

func (c *Container) handleResizeShellTty(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.ResizeShellTty](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed ResizeShellTty request")

		return
	}

	if err := c.Shell.Resize(context.Background(), payload.SessionID, payload.Width, payload.Height); err != nil {
		client.Send(wsproto.TypeShellSessionError, wsproto.ShellSessionError{SessionID: payload.SessionID, Error: err.Error()})
	}
}

func (c *Container) handleTerminateShellSession(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.TerminateShellSession](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed TerminateShellSession request")

		return
	}

	c.Shell.Terminate(payload.SessionID)
	c.forgetShellSession(client, payload.SessionID)
}

func (c *Container) handleShellSessionData(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.ShellSessionData](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed ShellSessionData request")

		return
	}

	if payload.DataType != wsproto.ShellDataInput {
		return
	}

	if err := c.Shell.Write(payload.SessionID, []byte(payload.Data)); err != nil {
		client.Send(wsproto.TypeShellSessionError, wsproto.ShellSessionError{SessionID: payload.SessionID, Error: err.Error()})
	}
}

func (c *Container) handleStartTaskOutputStream(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.StartTaskOutputStream](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed StartTaskOutputStream request")

		return
	}

	details, ok := c.Tasks.GetDetails(payload.TaskID)
	if !ok {
		client.Send(wsproto.TypeError, "task not found: "+payload.TaskID)

		return
	}

	if app, ok := c.Registry.Get(details.AppName); ok {
		if !c.Authz.CheckPermission(client.UserID(), appScopes(app), authz.View) {
			client.Send(wsproto.TypeError, "forbidden")

			return
		}
	}

	total, _ := c.Tasks.TotalLinesProcessed(payload.TaskID)

	var fromSequence uint64
	if !payload.FromBeginning {
		fromSequence = total
	}

	sessionID := c.clientSessionID(client)

	c.Hub.SubscribeTaskOutput(client, payload.TaskID)
	c.rememberTaskStream(client, payload.TaskID)

	c.TaskOut.Start(sessionID, payload.TaskID, fromSequence,
		func(lines []apptypes.OutputLine, isHistorical, hasMore bool) {
			content := make([]string, len(lines))
			for i, l := range lines {
				content[i] = l.Content
			}

			client.Send(wsproto.TypeTaskOutputData, wsproto.TaskOutputData{
				TaskID: payload.TaskID, Lines: content, IsHistorical: isHistorical, HasMore: hasMore,
			})
		},
		func(reason taskstream.EndedReason) {
			c.forgetTaskStream(client, payload.TaskID)
			c.Hub.UnsubscribeTaskOutput(client, payload.TaskID)
			client.Send(wsproto.TypeTaskOutputStreamEnded, wsproto.TaskOutputStreamEnded{TaskID: payload.TaskID, Reason: string(reason)})
		},
	)

	client.Send(wsproto.TypeTaskOutputStreamStart, wsproto.TaskOutputStreamStarted{TaskID: payload.TaskID, TotalLines: total})
}

func (c *Container) handleStopTaskOutputStream(client *wsmsg.Client, env wsproto.Envelope) {
	payload, err := decodePayload[wsproto.StopTaskOutputStream](env)
	if err != nil {
		client.Send(wsproto.TypeError, "malformed StopTaskOutputStream request")

		return
	}

	c.TaskOut.Stop(c.clientSessionID(client), payload.TaskID)
	c.Hub.UnsubscribeTaskOutput(client, payload.TaskID)
	c.forgetTaskStream(client, payload.TaskID)
}

func (c *Container) rememberLogStream(client *wsmsg.Client, streamID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.logOwned[client] == nil {
		c.logOwned[client] = make(map[string]struct{})
	}

	c.logOwned[client][streamID] = struct{}{}
}

func (c *Container) forgetLogStream(client *wsmsg.Client, streamID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	delete(c.logOwned[client], streamID)
}

func (c *Container) rememberShellSession(client *wsmsg.Client, sessionID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.shellOwned[client] == nil {
		c.shellOwned[client] = make(map[string]struct{})
	}

	c.shellOwned[client][sessionID] = struct{}{}
}

func (c *Container) forgetShellSession(client *wsmsg.Client, sessionID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	delete(c.shellOwned[client], sessionID)
}

func (c *Container) rememberTaskStream(client *wsmsg.Client, taskID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.taskOwned[client] == nil {
		c.taskOwned[client] = make(map[string]struct{})
	}

	c.taskOwned[client][taskID] = struct{}{}
}

func (c *Container) forgetTaskStream(client *wsmsg.Client, taskID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	delete(c.taskOwned[client], taskID)
}
