package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/danmuck/edgecmd/internal/auth"
	"github.com/danmuck/edgecmd/internal/dispatch"
	"github.com/danmuck/edgecmd/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var errMalformedBody = errors.New("server: malformed body")

const (
	principalKey = "principal"

	maxBodyBytes = 1 << 20

	actionSendCommand = "sendcommand"
	actionGetResults  = "getresults"
)

// resolvePrincipal attaches the caller resolved from the bearer token.
// Unknown or missing tokens resolve to the anonymous non-admin principal.
func (s *Server) resolvePrincipal(c *gin.Context) {
	p, err := s.admins.Resolve(auth.BearerToken(c.GetHeader("Authorization")))
	if err != nil {
		p = auth.Anonymous
	}
	c.Set(principalKey, p)
	c.Next()
}

func principalFrom(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Anonymous
}

func requireAdmin(c *gin.Context) bool {
	if principalFrom(c).SiteAdmin {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	return false
}

// handleAdminAction routes ?api=<action> (or ?action=) case-insensitively.
func (s *Server) handleAdminAction(c *gin.Context) {
	action := c.Query("api")
	if action == "" {
		action = c.Query("action")
	}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case actionSendCommand:
		s.handleSubmit(c)
	case actionGetResults:
		id := c.Query("requestid")
		if id == "" {
			id = c.Query("requestId")
		}
		s.respondResult(c, id)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action"})
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	caller := principalFrom(c)
	if !requireAdmin(c) {
		s.recordSubmission("forbidden")
		return
	}
	body, err := readJSONBody(c)
	if err != nil {
		s.recordSubmission("malformed")
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload: " + malformedDetail(err)})
		return
	}

	res, err := s.dispatcher.Submit(c.Request.Context(), dispatch.RequestFromBody(body), caller)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrPermissionDenied):
		s.recordSubmission("forbidden")
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	case errors.Is(err, dispatch.ErrCommandRequired):
		s.recordSubmission("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required in the payload"})
		return
	case errors.Is(err, dispatch.ErrNodesRequired):
		s.recordSubmission("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "nodes array is required"})
		return
	default:
		s.recordSubmission("error")
		log.Error().Err(err).Msg("server.Server.handleSubmit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.recordSubmission("accepted")
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetResult(c *gin.Context) {
	s.respondResult(c, c.Param("id"))
}

func (s *Server) respondResult(c *gin.Context, requestID string) {
	if !requireAdmin(c) {
		return
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requestId is required"})
		return
	}
	rec, ok := s.store.Get(requestID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "requestId not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleList(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"commands": s.store.List(limit)})
}

func (s *Server) handleAgents(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.Snapshot()})
}

// readJSONBody decodes the request body as a JSON object; an empty body is {}.
func readJSONBody(c *gin.Context) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", errMalformedBody, maxBodyBytes)
	}
	body := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func malformedDetail(err error) string {
	return strings.TrimPrefix(err.Error(), errMalformedBody.Error()+": ")
}

func (s *Server) recordSubmission(result string) {
	observability.RecordSubmission(s.cfg.ID, result)
	if result == "accepted" {
		observability.SetStoredRecords(s.cfg.ID, s.store.Len())
	}
}
