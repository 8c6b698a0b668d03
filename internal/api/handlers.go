package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// connectorSummary is one row in the connector listing.
type connectorSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Source     string `json:"source"`
	AuthStatus string `json:"auth_status"`
}

func (s *Server) handleListConnectors(c *gin.Context) {
	out := []connectorSummary{}
	for _, d := range s.registry.All() {
		out = append(out, connectorSummary{
			ID:         d.ID(),
			Name:       d.Name(),
			Source:     d.Source(),
			AuthStatus: string(d.AuthStatus()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"connectors": out})
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		s.abortWithError(c, apperrors.New(apperrors.KindNotFound, "unknown connector: "+id))
		return
	}
	s.scheduler.TriggerFull(id)
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) handleTriggerIncremental(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		s.abortWithError(c, apperrors.New(apperrors.KindNotFound, "unknown connector: "+id))
		return
	}
	s.scheduler.TriggerIncremental(id, c.Query("scope"))
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

type reindexRequest struct {
	RecordIDs []string `json:"record_ids" binding:"required,min=1"`
}

func (s *Server) handleReindex(c *gin.Context) {
	driver, ok := s.registry.Get(c.Param("id"))
	if !ok {
		s.abortWithError(c, apperrors.New(apperrors.KindNotFound, "unknown connector: "+c.Param("id")))
		return
	}

	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperrors.Wrap(apperrors.KindValidation, "invalid reindex request", err))
		return
	}

	recs := make([]*models.Record, 0, len(req.RecordIDs))
	for _, id := range req.RecordIDs {
		rec, err := s.store.GetRecordByID(c.Request.Context(), id)
		if err != nil {
			s.abortWithError(c, apperrors.Wrap(apperrors.KindStore, "loading record "+id, err))
			return
		}
		if rec == nil {
			s.abortWithError(c, apperrors.New(apperrors.KindNotFound, "record not found: "+id))
			return
		}
		recs = append(recs, rec)
	}

	if err := driver.ReindexRecords(c.Request.Context(), recs); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"reindexed": len(recs)})
}

func (s *Server) handleFilterOptions(c *gin.Context) {
	driver, ok := s.registry.Get(c.Param("id"))
	if !ok {
		s.abortWithError(c, apperrors.New(apperrors.KindNotFound, "unknown connector: "+c.Param("id")))
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	resp, err := driver.GetFilterOptions(c.Request.Context(),
		c.Param("key"), page, limit, c.Query("search"), c.Query("cursor"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type signedURLRequest struct {
	UserID string   `json:"user_id" binding:"required"`
	Scopes []string `json:"scopes"`
}

// handleSignedURL mints a short-lived stream token for one record. The
// returned URL is self-contained; the stream endpoint trusts only the
// token claims.
func (s *Server) handleSignedURL(c *gin.Context) {
	recordID := c.Param("id")

	var req signedURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperrors.Wrap(apperrors.KindValidation, "invalid signed-url request", err))
		return
	}

	rec, err := s.store.GetRecordByID(c.Request.Context(), recordID)
	if err != nil {
		s.abortWithError(c, apperrors.Wrap(apperrors.KindStore, "loading record", err))
		return
	}
	if rec == nil {
		s.abortWithError(c, apperrors.New(apperrors.KindNotFound, "record not found: "+recordID))
		return
	}

	token, err := s.signer.Sign(StreamClaims{
		OrgID:     rec.OrgID,
		RecordID:  rec.ID,
		UserID:    req.UserID,
		Connector: rec.ConnectorID,
		Scopes:    req.Scopes,
	})
	if err != nil {
		s.abortWithError(c, apperrors.Wrap(apperrors.KindInternal, "signing stream token", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":   fmt.Sprintf("/api/v1/records/%s/stream?token=%s", rec.ID, token),
		"token": token,
	})
}

// handleStream validates the signed token and proxies the record bytes,
// chunk by chunk, from the owning connector.
func (s *Server) handleStream(c *gin.Context) {
	recordID := c.Param("id")

	claims, err := s.signer.Verify(c.Query("token"))
	if err != nil {
		s.observeStream("denied")
		s.abortWithError(c, err)
		return
	}
	if claims.RecordID != recordID {
		s.observeStream("denied")
		s.abortWithError(c, apperrors.New(apperrors.KindAuth, "token does not cover this record"))
		return
	}

	resp, err := s.streamer.Stream(c.Request.Context(), recordID, c.Query("convertTo"))
	if err != nil {
		s.observeStream("error")
		s.abortWithError(c, err)
		return
	}
	defer resp.Body.Close()

	if resp.ContentType != "" {
		c.Header("Content-Type", resp.ContentType)
	}
	if resp.Disposition != "" {
		c.Header("Content-Disposition", resp.Disposition)
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		s.log.WithError(err).Warn("stream interrupted",
			logger.String("record_id", recordID))
		s.observeStream("interrupted")
		return
	}
	s.observeStream("ok")
}

func (s *Server) observeStream(outcome string) {
	if s.metrics != nil {
		s.metrics.StreamRequests.WithLabelValues(outcome).Inc()
	}
}

type assembleRequest struct {
	OrgID       string             `json:"org_id" binding:"required"`
	UserContext string             `json:"user_context"`
	Query       string             `json:"query" binding:"required"`
	Hits        []models.SearchHit `json:"hits" binding:"required"`
}

// handleAssemble runs the retrieval assembler over a ranked hit list
// and returns the prompt payload plus the token accounting the caller
// uses to drop low-scoring records on overflow.
func (s *Server) handleAssemble(c *gin.Context) {
	var req assembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperrors.Wrap(apperrors.KindValidation, "invalid assemble request", err))
		return
	}

	res, err := s.assembler.Assemble(c.Request.Context(), req.OrgID, req.UserContext, req.Query, req.Hits)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RetrievalTokens.Observe(float64(res.TokenCount))
	}

	c.JSON(http.StatusOK, gin.H{
		"parts":         res.Parts,
		"record_order":  res.RecordOrder,
		"token_count":   res.TokenCount,
		"token_ceiling": res.TokenCeiling,
		"over_budget":   res.OverBudget,
	})
}
