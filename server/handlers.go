package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/duetchat/duet/chat"
	"github.com/duetchat/duet/internal/version"
	"github.com/duetchat/duet/store"
)

type createConversationRequest struct {
	Title        string                            `json:"title"`
	Models       []string                          `json:"models"`
	SystemPrompt string                            `json:"systemPrompt"`
	ProjectID    string                            `json:"projectId"`
	Params       map[string]store.GenerationParams `json:"params"`
}

type sendMessageRequest struct {
	Text        string              `json:"text"`
	Attachments []*store.Attachment `json:"attachments"`
}

// minClientVersion is the oldest client release the API still supports.
// Clients below it should prompt for an upgrade.
const minClientVersion = "0.1.0"

type statusResponse struct {
	Version           string `json:"version"`
	Mode              string `json:"mode"`
	BackendConfigured bool   `json:"backendConfigured"`
	Provider          string `json:"provider,omitempty"`
	BackendReachable  *bool  `json:"backendReachable,omitempty"`
	ProbeError        string `json:"probeError,omitempty"`
	ClientSupported   *bool  `json:"clientSupported,omitempty"`
}

// handleStatus reports build and backend configuration. With ?probe=true it
// additionally performs a live connectivity check against the backend; with
// ?clientVersion=<semver> it reports whether that client is still supported.
func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		Version:           version.GetCurrentVersion(s.profile.Mode),
		Mode:              s.profile.Mode,
		BackendConfigured: s.profile.IsBackendConfigured(),
		Provider:          s.profile.LLMProvider,
	}

	if clientVersion := c.QueryParam("clientVersion"); clientVersion != "" {
		supported := version.IsVersionGreaterOrEqualThan(clientVersion, minClientVersion)
		resp.ClientSupported = &supported
	}

	if c.QueryParam("probe") == "true" && s.prober != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
		defer cancel()
		reachable := s.prober.Probe(ctx) == nil
		resp.BackendReachable = &reachable
		if !reachable {
			resp.ProbeError = "backend unreachable"
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	conv, err := s.orchestrator.CreateConversation(c.Request().Context(), chat.CreateConversationOptions{
		Title:        req.Title,
		Models:       req.Models,
		SystemPrompt: req.SystemPrompt,
		ProjectID:    req.ProjectID,
		Params:       req.Params,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleListConversations(c echo.Context) error {
	find := &store.FindConversation{}
	if projectID := c.QueryParam("projectId"); projectID != "" {
		find.ProjectID = &projectID
	}

	list, err := s.orchestrator.ListConversations(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, err := s.orchestrator.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	if err := s.orchestrator.DeleteConversation(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete conversation")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleSendMessage streams conversation snapshots as server-sent events
// until the generation reaches a terminal state. Comparison conversations
// automatically run both channels.
func (s *Server) handleSendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ctx := c.Request().Context()
	conversationID := c.Param("id")

	// JSON bodies may carry explicit nulls in the attachments array.
	attachments := make([]*store.Attachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		if att == nil {
			continue
		}
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		if att.Size == 0 {
			att.Size = int64(len(att.Data))
		}
		attachments = append(attachments, att)
	}

	conv, err := s.orchestrator.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}

	var updates <-chan *store.Conversation
	if conv.IsComparison() {
		updates, err = s.orchestrator.SendDualModelMessage(ctx, conversationID, req.Text, attachments)
	} else {
		updates, err = s.orchestrator.SendMessage(ctx, conversationID, req.Text, attachments)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return streamSnapshots(c, updates)
}

// handleCancelGeneration cancels the active generation. In comparison mode a
// ?channel=model1|model2 parameter cancels that channel alone, leaving the
// other model streaming.
func (s *Server) handleCancelGeneration(c echo.Context) error {
	conversationID := c.Param("id")
	switch c.QueryParam("channel") {
	case "model1":
		s.orchestrator.CancelChannel(conversationID, store.SourceModel1)
	case "model2":
		s.orchestrator.CancelChannel(conversationID, store.SourceModel2)
	default:
		s.orchestrator.CancelGeneration(conversationID)
	}
	return c.JSON(http.StatusOK, map[string]bool{
		"generating": s.orchestrator.IsGenerating(conversationID),
	})
}

// streamSnapshots writes each snapshot as an SSE data event, finishing with
// a done event once the generation terminates. A disconnected client stops
// the writes but not the generation itself.
func streamSnapshots(c echo.Context, updates <-chan *store.Conversation) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)

	clientGone := c.Request().Context().Done()

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				fmt.Fprint(resp, "event: done\ndata: {}\n\n")
				resp.Flush()
				return nil
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				continue
			}
			fmt.Fprintf(resp, "event: snapshot\ndata: %s\n\n", payload)
			resp.Flush()
		case <-clientGone:
			// Drain in the background so the generation finishes and
			// persists even without a listener.
			go func() {
				for range updates { //nolint:revive
				}
			}()
			return nil
		}
	}
}
