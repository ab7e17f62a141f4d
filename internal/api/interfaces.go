package api

import (
	"net/http"

	"collab-engine/internal/models"
	"collab-engine/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler doesn't care about service implementation details - it only cares about
the methods it needs to call. Tests hand in small fakes; the engine hands in the
session manager and the shared AI services.
*/

// SessionService is what handlers need from the session manager.
type SessionService interface {
	CreateSession(name string) *collaboration.Session
	GetSession(id string) (*collaboration.Session, bool)
	GetAllSessions() []models.SessionInfo
	GetPerformanceStats() collaboration.PerformanceStats
}

// AIContextService describes a session's shared AI context.
type AIContextService interface {
	GetAIContext(sessionID string) (*models.AIContextInfo, error)
}

// AIStatsSource reports shared AI load for /api/stats.
type AIStatsSource interface {
	ContextCount() int
	QueueLength() int
}

// SessionUpgrader turns a request into a live collaboration websocket.
type SessionUpgrader interface {
	HandleSession(w http.ResponseWriter, r *http.Request)
}
