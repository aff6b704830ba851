package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/kora/internal/promotable"
	promotiondomain "github.com/smallbiznis/kora/internal/promotion/domain"
)

type createPromotionRequest struct {
	PromotableKind  string    `json:"promotable_kind"`
	PromotableID    int64     `json:"promotable_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Type            string    `json:"type"`
	CreditsRequired int64     `json:"credits_required"`
	TotalSlots      int       `json:"total_slots"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
}

type promotionView struct {
	promotiondomain.Promotion
	RemainingSlots    int     `json:"remaining_slots"`
	ParticipationRate float64 `json:"participation_rate"`
}

func newPromotionView(p promotiondomain.Promotion) promotionView {
	return promotionView{
		Promotion:         p,
		RemainingSlots:    p.RemainingSlots(),
		ParticipationRate: p.ParticipationRate(),
	}
}

func (s *Server) CreatePromotion(c *gin.Context) {
	actor, _ := actorFromContext(c)

	var req createPromotionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	promotion, err := s.promotionSvc.Create(c.Request.Context(), promotiondomain.CreatePromotionRequest{
		PromoterID: actor.UserID,
		Reference: promotable.Reference{
			Kind: promotable.Kind(strings.TrimSpace(req.PromotableKind)),
			ID:   req.PromotableID,
		},
		Title:           strings.TrimSpace(req.Title),
		Description:     strings.TrimSpace(req.Description),
		Type:            promotiondomain.PromotionType(strings.TrimSpace(req.Type)),
		CreditsRequired: req.CreditsRequired,
		TotalSlots:      req.TotalSlots,
		StartsAt:        req.StartsAt.UTC(),
		EndsAt:          req.EndsAt.UTC(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newPromotionView(promotion)})
}

func (s *Server) GetPromotion(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	promotion, err := s.promotionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPromotionView(promotion)})
}

func (s *Server) GetEligibility(c *gin.Context) {
	actor, _ := actorFromContext(c)
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	eligibility, err := s.promotionSvc.CanUserParticipate(c.Request.Context(), id, actor.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"eligible": eligibility.Eligible}
	if eligibility.Reason != nil {
		resp["reason"] = eligibility.Reason.Error()
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Participate(c *gin.Context) {
	actor, _ := actorFromContext(c)
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	participant, err := s.promotionSvc.Participate(c.Request.Context(), id, actor.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": participant})
}

// ListParticipants is open to the promoter and to operators.
func (s *Server) ListParticipants(c *gin.Context) {
	actor, _ := actorFromContext(c)
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	var query struct {
		Status    string `form:"status"`
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	promotion, err := s.promotionSvc.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !canActFor(actor, promotion.PromoterID) {
		AbortWithError(c, ErrForbidden)
		return
	}

	resp, err := s.promotionSvc.ListParticipants(ctx, promotiondomain.ListParticipantsRequest{
		PromotionID: id,
		Status:      promotiondomain.ParticipantStatus(strings.TrimSpace(query.Status)),
		PageToken:   strings.TrimSpace(query.PageToken),
		PageSize:    query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) VerifyParticipant(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	userID, err := parseUserID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	participant, err := s.promotionSvc.VerifyParticipant(c.Request.Context(), id, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": participant})
}

func (s *Server) CompletePromotion(c *gin.Context) {
	s.finalizePromotion(c, s.promotionSvc.Complete)
}

func (s *Server) CancelPromotion(c *gin.Context) {
	s.finalizePromotion(c, s.promotionSvc.Cancel)
}

func (s *Server) finalizePromotion(c *gin.Context, finalize func(context.Context, snowflake.ID) (promotiondomain.Promotion, error)) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	promotion, err := finalize(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPromotionView(promotion)})
}
