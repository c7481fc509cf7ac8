// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// Conn envolve uma conexão WebSocket com um mutex de escrita: o gorilla
// permite apenas um writer concorrente, e broadcasts de sessões diferentes
// podem alcançar a mesma conexão ao mesmo tempo.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn envolve uma conexão WebSocket aceita.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// SendEvent serializa e envia um evento para esta conexão.
func (c *Conn) SendEvent(ev *protocol.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(ev)
}

// Close fecha a conexão subjacente.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Hub mantém as inscrições conexão ⇄ sessão e faz o fan-out de eventos.
// Uma conexão se inscreve em uma sessão ao enviar start (ou download-start)
// com o fileId correspondente; várias conexões podem observar a mesma sessão.
type Hub struct {
	mu        sync.Mutex
	bySession map[string]map[*Conn]struct{}
	byConn    map[*Conn]map[string]struct{}
	logger    *slog.Logger
}

// NewHub cria o multiplexador de conexões.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		bySession: make(map[string]map[*Conn]struct{}),
		byConn:    make(map[*Conn]map[string]struct{}),
		logger:    logger,
	}
}

// Subscribe inscreve a conexão nos eventos da sessão.
func (h *Hub) Subscribe(c *Conn, fileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bySession[fileID] == nil {
		h.bySession[fileID] = make(map[*Conn]struct{})
	}
	h.bySession[fileID][c] = struct{}{}

	if h.byConn[c] == nil {
		h.byConn[c] = make(map[string]struct{})
	}
	h.byConn[c][fileID] = struct{}{}
}

// UnsubscribeConn remove a conexão de todas as sessões e retorna os fileIds
// que ela observava. Chamado no teardown da conexão.
func (h *Hub) UnsubscribeConn(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.byConn[c]))
	for fileID := range h.byConn[c] {
		ids = append(ids, fileID)
		if conns := h.bySession[fileID]; conns != nil {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.bySession, fileID)
			}
		}
	}
	delete(h.byConn, c)
	return ids
}

// DropSession descarta as inscrições de uma sessão encerrada.
func (h *Hub) DropSession(fileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.bySession[fileID] {
		delete(h.byConn[c], fileID)
	}
	delete(h.bySession, fileID)
}

// Broadcast entrega o evento a todas as conexões inscritas na sessão.
// Itera um snapshot: churn de conexões durante o broadcast não causa
// leituras rasgadas, e falha em uma conexão não impede as demais.
func (h *Hub) Broadcast(fileID string, ev *protocol.ServerEvent) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.bySession[fileID]))
	for c := range h.bySession[fileID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.SendEvent(ev); err != nil {
			h.logger.Debug("broadcast delivery failed", "fileId", fileID, "event", ev.Event, "error", err)
		}
	}
}
