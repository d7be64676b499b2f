package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	contractdomain "github.com/smallbiznis/billrun/internal/contract/domain"
)

// RunBatch triggers a full batch run and returns the typed report.
func (s *Server) RunBatch(c *gin.Context) {
	report, err := s.runner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// TestRunContract dry-runs one contract: transactions are computed but
// nothing is persisted and no external submission happens.
func (s *Server) TestRunContract(c *gin.Context) {
	id, ok := s.contractID(c)
	if !ok {
		return
	}

	txns, err := s.runner.TestRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, contractdomain.ErrContractNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// ContractQueryPlan renders the contract's rule query and returns the
// warehouse EXPLAIN plan without executing it for real.
func (s *Server) ContractQueryPlan(c *gin.Context) {
	id, ok := s.contractID(c)
	if !ok {
		return
	}

	plan, err := s.runner.DebugQuery(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, contractdomain.ErrContractNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) contractID(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := snowflake.ParseString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract id"})
		return 0, false
	}
	return id, true
}
