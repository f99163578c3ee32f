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
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Server upgrades agent connections and runs their sessions. One listener
// and one worker channel are tracked per backend; a reconnect displaces the
// previous session of the same kind.
type Server struct {
	db       Database
	queue    JobQueue
	executor JobExecutor
	masker   *Masker
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*sessionHandle
	wg       sync.WaitGroup
}

type sessionHandle struct {
	cancel context.CancelCauseFunc
}

// NewServer builds the session server.
func NewServer(
	db Database,
	queue JobQueue,
	executor JobExecutor,
	masker *Masker,
	cfg Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:       db,
		queue:    queue,
		executor: executor,
		masker:   masker,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*sessionHandle),
	}
}

// Register installs the agent endpoints on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /agent/listener/{backend}", s.handleListener)
	mux.HandleFunc("GET /agent/worker/{backend}", s.handleWorker)
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	if backend == "" {
		http.Error(w, "missing backend name", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("listener upgrade failed",
			slog.String("backend", backend),
			slog.String("error", err.Error()))
		return
	}
	session := NewListenerSession(backend, conn, s.db, s.queue, s.cfg, s.logger)
	s.runSession(r.Context(), "listener:"+backend, conn, session.Run)
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	if backend == "" {
		http.Error(w, "missing backend name", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("worker upgrade failed",
			slog.String("backend", backend),
			slog.String("error", err.Error()))
		return
	}
	session := NewWorkerSession(backend, conn, s.db, s.queue, s.executor,
		s.masker, s.cfg, s.logger)
	s.runSession(r.Context(), "worker:"+backend, conn, session.Run)
}

// runSession tracks the session under its slot, cancelling any prior holder,
// and blocks until it ends. The handler goroutine is the session goroutine.
func (s *Server) runSession(
	parent context.Context,
	slot string,
	conn *websocket.Conn,
	run func(context.Context) error,
) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	handle := &sessionHandle{cancel: cancel}

	s.mu.Lock()
	if prior, ok := s.sessions[slot]; ok {
		prior.cancel(ErrSessionReplaced)
	}
	s.sessions[slot] = handle
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.sessions[slot] == handle {
			delete(s.sessions, slot)
		}
		s.wg.Done()
		s.mu.Unlock()
	}()

	if err := run(ctx); err != nil {
		if context.Cause(ctx) == ErrSessionReplaced {
			s.logger.Info("session replaced", slog.String("slot", slot))
			return
		}
		s.logger.Error("session ended with error",
			slog.String("slot", slot),
			slog.String("error", err.Error()))
	}
}

// Shutdown cancels every live session and waits for them to unwind. In-flight
// worker jobs are requeued by their sessions on the way out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, handle := range s.sessions {
		handle.cancel(context.Canceled)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
