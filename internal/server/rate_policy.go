package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ratepolicydomain "github.com/smallbiznis/kora/internal/ratepolicy/domain"
)

type upsertRatePolicyRequest struct {
	BaseRate        int64  `json:"base_rate"`
	MaxDaily        *int64 `json:"max_daily"`
	CooldownMinutes *int   `json:"cooldown_minutes"`
	IsActive        *bool  `json:"is_active"`
	Description     string `json:"description"`
}

type updateRatePolicyLimitsRequest struct {
	MaxDaily        *int64 `json:"max_daily"`
	CooldownMinutes *int   `json:"cooldown_minutes"`
}

type updateRatePolicyRateRequest struct {
	BaseRate int64 `json:"base_rate"`
}

func (s *Server) ListRatePolicies(c *gin.Context) {
	policies, err := s.ratePolicySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policies})
}

func (s *Server) GetRatePolicy(c *gin.Context) {
	policy, err := s.ratePolicySvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("activity")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

func (s *Server) UpsertRatePolicy(c *gin.Context) {
	var req upsertRatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	policy, err := s.ratePolicySvc.Upsert(c.Request.Context(), ratepolicydomain.UpsertRequest{
		ActivityType:    strings.TrimSpace(c.Param("activity")),
		BaseRate:        req.BaseRate,
		MaxDaily:        req.MaxDaily,
		CooldownMinutes: req.CooldownMinutes,
		IsActive:        isActive,
		Description:     strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

func (s *Server) UpdateRatePolicyLimits(c *gin.Context) {
	var req updateRatePolicyLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	policy, err := s.ratePolicySvc.UpdateLimits(c.Request.Context(), strings.TrimSpace(c.Param("activity")), ratepolicydomain.UpdateLimitsRequest{
		MaxDaily:        req.MaxDaily,
		CooldownMinutes: req.CooldownMinutes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

func (s *Server) UpdateRatePolicyRate(c *gin.Context) {
	var req updateRatePolicyRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	policy, err := s.ratePolicySvc.UpdateRate(c.Request.Context(), strings.TrimSpace(c.Param("activity")), req.BaseRate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

func (s *Server) ActivateRatePolicy(c *gin.Context) {
	policy, err := s.ratePolicySvc.Activate(c.Request.Context(), strings.TrimSpace(c.Param("activity")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

func (s *Server) DeactivateRatePolicy(c *gin.Context) {
	policy, err := s.ratePolicySvc.Deactivate(c.Request.Context(), strings.TrimSpace(c.Param("activity")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}
