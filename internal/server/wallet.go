package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/kora/internal/authorization"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
)

func (s *Server) GetWallet(c *gin.Context) {
	actor, _ := actorFromContext(c)

	wallet, err := s.ledgerSvc.GetWallet(c.Request.Context(), actor.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": wallet})
}

func (s *Server) ListTransactions(c *gin.Context) {
	actor, _ := actorFromContext(c)

	var query struct {
		Type      string `form:"type"`
		Source    string `form:"source"`
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txType := ledgerdomain.TransactionType(strings.TrimSpace(query.Type))
	if txType != "" && !txType.Valid() {
		AbortWithError(c, newValidationError("type", "invalid_type", "invalid transaction type"))
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		UserID:    actor.UserID,
		Type:      txType,
		Source:    strings.TrimSpace(query.Source),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type transferCreditsRequest struct {
	ToUserID    int64  `json:"to_user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) TransferCredits(c *gin.Context) {
	actor, _ := actorFromContext(c)

	var req transferCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.TransferCredits(c.Request.Context(), ledgerdomain.TransferCreditsRequest{
		FromUserID:  actor.UserID,
		ToUserID:    req.ToUserID,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

type earnRequest struct {
	// UserID lets an operator credit someone else; users always earn for themselves.
	UserID      int64          `json:"user_id"`
	// Amount overrides the policy base rate. Operators only.
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) EarnForActivity(c *gin.Context) {
	actor, _ := actorFromContext(c)

	var req earnRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	userID := actor.UserID
	if req.UserID != 0 && req.UserID != actor.UserID {
		if !canActFor(actor, req.UserID) {
			AbortWithError(c, ErrForbidden)
			return
		}
		userID = req.UserID
	}
	if req.Amount != 0 && actor.Role != authorization.RoleOperator {
		AbortWithError(c, ErrForbidden)
		return
	}

	tx, err := s.ledgerSvc.EarnForActivity(c.Request.Context(), ledgerdomain.EarnRequest{
		UserID:       userID,
		ActivityType: strings.TrimSpace(c.Param("activity")),
		Amount:       req.Amount,
		Description:  strings.TrimSpace(req.Description),
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": tx})
}
