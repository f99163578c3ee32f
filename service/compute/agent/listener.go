/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/store"
	metrics "go.corp.nvidia.com/osmo/utils/metrics-go"
)

// ListenerSession is the telemetry channel of one backend agent. Frames flow
// agent → control plane; each is acked by uuid after its handler ran so the
// agent can advance its cursor.
type ListenerSession struct {
	backend  string
	conn     *websocket.Conn
	db       Database
	queue    JobQueue
	cfg      Config
	logger   *slog.Logger
	outbound chan *Message
}

// NewListenerSession wraps an upgraded connection. The caller owns the
// connection until Run returns.
func NewListenerSession(
	backend string,
	conn *websocket.Conn,
	db Database,
	queue JobQueue,
	cfg Config,
	logger *slog.Logger,
) *ListenerSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListenerSession{
		backend:  backend,
		conn:     conn,
		db:       db,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.With(slog.String("backend", backend)),
		outbound: make(chan *Message, cfg.AgentQueueSize),
	}
}

// Run drives the session until the connection drops or the context is
// cancelled. The first frame must be INIT.
func (s *ListenerSession) Run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}

	frames := make(chan *Message, s.cfg.AgentQueueSize)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.readPump(groupCtx, frames) })
	group.Go(func() error { return s.dispatch(groupCtx, frames) })
	group.Go(func() error { return s.heartbeatLoop(groupCtx) })
	group.Go(func() error { return s.writePump(groupCtx) })

	// Unblock the read pump when any sibling fails or the context ends.
	go func() {
		<-groupCtx.Done()
		s.conn.Close()
	}()

	err := group.Wait()
	if isExpectedClose(err) {
		s.logger.Info("listener session closed")
		return nil
	}
	return err
}

// handshake consumes the INIT frame, registers or revalidates the backend,
// and replies with the node-condition policy.
func (s *ListenerSession) handshake(ctx context.Context) error {
	init, msgUUID, err := readInit(s.conn, s.backend)
	if err != nil {
		return err
	}

	if err := registerBackend(ctx, s.db, init); err != nil {
		// A uid mismatch means another cluster owns this name; tell the
		// agent not to reconnect blindly.
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(
			websocket.ClosePolicyViolation, "backend registration rejected"))
		return err
	}

	backend, err := s.db.GetBackend(ctx, s.backend)
	if err != nil {
		return fmt.Errorf("failed to load backend %s after init: %w", s.backend, err)
	}
	reply, err := NewMessage(MessageTypeNodeConditions, msgUUID, NodeConditionsBody{
		Rules:  backend.NodeConditions.Rules,
		Prefix: backend.NodeConditions.Prefix,
	})
	if err != nil {
		return err
	}
	if err := writeMessage(s.conn, reply); err != nil {
		return err
	}

	s.logger.Info("listener channel established",
		slog.String("k8s_uid", init.K8sUID),
		slog.String("version", init.Version))
	return nil
}

// readPump moves frames from the socket into the bounded queue. When the
// queue is full the pump blocks, which slows the agent down via TCP
// backpressure.
func (s *ListenerSession) readPump(ctx context.Context, frames chan<- *Message) error {
	defer close(frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("listener read failed: %w", err)
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			s.logger.Error("dropping undecodable listener frame",
				slog.String("error", err.Error()))
			continue
		}
		select {
		case frames <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch processes frames in order and acks each one.
func (s *ListenerSession) dispatch(ctx context.Context, frames <-chan *Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-frames:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, msg); err != nil {
				// Handler errors are per-message: log and ack anyway so one
				// bad frame cannot wedge the channel.
				s.logger.Error("listener message failed",
					slog.String("type", string(msg.Type)),
					slog.String("error", err.Error()))
			}
			s.recordMessage(ctx, msg.Type)
			if msg.UUID != "" {
				ack := &Message{Type: MessageTypeAck, UUID: msg.UUID}
				select {
				case s.outbound <- ack:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// handle is the per-type message table. Every handler is bounded work: it
// touches the store and may enqueue frontend jobs, but never blocks on them.
func (s *ListenerSession) handle(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case MessageTypeInit:
		// Re-INIT on an established channel refreshes registration; cluster
		// identity still may not change.
		var init InitBody
		if err := DecodeBody(msg, &init); err != nil {
			return err
		}
		if init.Name != s.backend {
			return fmt.Errorf("init names backend %q on channel for %q", init.Name, s.backend)
		}
		return registerBackend(ctx, s.db, &init)

	case MessageTypeHeartbeat:
		return s.db.TouchBackendHeartbeat(ctx, s.backend)

	case MessageTypeLogging:
		var body LoggingBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		entry := fmt.Sprintf("%s %s %s", body.User, body.Action, body.Text)
		return s.queue.AppendAuditLog(ctx, s.backend, entry)

	case MessageTypeUpdatePod:
		return s.handleUpdatePod(ctx, msg)

	case MessageTypeMonitorPod:
		var body MonitorPodBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return s.db.SetTaskRuntimeInfo(ctx,
			body.WorkflowID, body.Task, int(body.RetryID), body.Node, body.PodIP)

	case MessageTypeResource:
		var body ResourceBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return s.db.UpsertResource(ctx, &store.Resource{
			Name:        body.Name,
			Backend:     s.backend,
			Allocatable: body.Allocatable,
			Usage:       body.Usage,
			Labels:      body.Labels,
			Taints:      body.Taints,
			Conditions:  body.Conditions,
			Available:   body.Available,
		})

	case MessageTypeResourceUsage:
		var body ResourceUsageBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return s.db.UpdateResourceUsage(ctx, s.backend, body.Name, body.Usage)

	case MessageTypeDeleteResource:
		var body DeleteResourceBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return s.db.DeleteResource(ctx, s.backend, body.Name)

	case MessageTypeNodeHash:
		var body NodeHashBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return s.db.PruneResources(ctx, s.backend, body.Nodes)

	case MessageTypeTaskList:
		// Inventory replay after reconnect doubles as a liveness signal.
		var body TaskListBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		s.logger.Debug("agent task inventory",
			slog.Int("tasks", len(body.Tasks)))
		return s.db.TouchBackendHeartbeat(ctx, s.backend)

	case MessageTypeMetrics:
		var body MetricsBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		tags := map[string]string{"backend": s.backend}
		for k, v := range body.Tags {
			tags[k] = v
		}
		return metrics.GetMetricCreator().RecordCounter(ctx,
			body.Name, body.Value, body.Unit, "agent-reported metric", tags)

	case MessageTypePodConditions:
		return s.handlePodConditions(ctx, msg)

	case MessageTypePodEvent:
		var body PodEventBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		event := fmt.Sprintf("%s pod=%s reason=%s %s",
			body.Timestamp.UTC().Format(time.RFC3339), body.Pod, body.Reason, body.Message)
		return s.queue.AppendWorkflowEvent(ctx, body.WorkflowID, event)

	default:
		return fmt.Errorf("unexpected message type %s on listener channel", msg.Type)
	}
}

// handleUpdatePod translates a cluster-side status change into an
// UpdateGroup job; the frontend worker owns the actual state transition.
func (s *ListenerSession) handleUpdatePod(ctx context.Context, msg *Message) error {
	var body UpdatePodBody
	if err := DecodeBody(msg, &body); err != nil {
		return err
	}

	if body.Node != "" || body.PodIP != "" {
		if err := s.db.SetTaskRuntimeInfo(ctx,
			body.WorkflowID, body.Task, int(body.RetryID), body.Node, body.PodIP); err != nil {
			s.logger.Error("failed to record pod placement",
				slog.String("workflow_id", body.WorkflowID),
				slog.String("task", body.Task),
				slog.String("error", err.Error()))
		}
	}

	return s.queue.Enqueue(ctx, jobs.New(&jobs.UpdateGroup{
		WorkflowID: body.WorkflowID,
		Group:      body.Group,
		Task:       body.Task,
		RetryID:    body.RetryID,
		Lead:       body.Lead,
		Status:     body.Status,
		Message:    body.Message,
		ExitCode:   body.ExitCode,
	}))
}

// handlePodConditions filters condition noise and emits only observations
// newer than the last recorded timestamp per pod condition.
func (s *ListenerSession) handlePodConditions(ctx context.Context, msg *Message) error {
	var body PodConditionsBody
	if err := DecodeBody(msg, &body); err != nil {
		return err
	}

	for _, c := range FilterPodConditions(body.Conditions) {
		fresh, err := s.queue.AdvancePodCondition(ctx, body.Pod, c.Type, c.Timestamp)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		event := fmt.Sprintf("%s pod=%s condition=%s status=%s %s",
			c.Timestamp.UTC().Format(time.RFC3339), body.Pod, c.Type, c.Status, c.Message)
		if err := s.queue.AppendWorkflowEvent(ctx, body.WorkflowID, event); err != nil {
			return err
		}
	}
	return nil
}

// heartbeatLoop pings the agent so half-open connections are detected on
// both ends.
func (s *ListenerSession) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat, err := NewMessage(MessageTypeHeartbeat, jobs.NewUUID(), struct{}{})
			if err != nil {
				return err
			}
			select {
			case s.outbound <- beat:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// writePump is the single writer of the connection.
func (s *ListenerSession) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.outbound:
			if err := writeMessage(s.conn, msg); err != nil {
				return fmt.Errorf("listener write failed: %w", err)
			}
		}
	}
}

func (s *ListenerSession) recordMessage(ctx context.Context, msgType MessageType) {
	metrics.GetMetricCreator().RecordCounter(ctx,
		"osmo.compute.agent.messages", 1, "1",
		"agent listener messages processed",
		map[string]string{"backend": s.backend, "type": string(msgType)})
}

// readInit reads the first frame of a channel and validates it is an INIT
// for the expected backend.
func readInit(conn *websocket.Conn, backend string) (*InitBody, string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read init frame: %w", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, "", err
	}
	if msg.Type != MessageTypeInit {
		return nil, "", fmt.Errorf("first frame must be INIT, got %s", msg.Type)
	}
	var init InitBody
	if err := DecodeBody(msg, &init); err != nil {
		return nil, "", err
	}
	if init.Name != backend {
		return nil, "", fmt.Errorf("init names backend %q on channel for %q", init.Name, backend)
	}
	return &init, msg.UUID, nil
}

// registerBackend upserts the backend row; a k8s uid mismatch is rejected by
// the store.
func registerBackend(ctx context.Context, db Database, init *InitBody) error {
	_, err := db.RegisterBackend(ctx, &store.Backend{
		Name:         init.Name,
		K8sUID:       init.K8sUID,
		K8sNamespace: init.K8sNamespace,
		Version:      init.Version,
	})
	return err
}

func writeMessage(conn *websocket.Conn, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// isExpectedClose reports whether the error is a routine session teardown.
func isExpectedClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure ||
			closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
