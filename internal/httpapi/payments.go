package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/arcd/internal/services"
)

func (s *Server) createCharge(c *gin.Context) {
	var in services.CreateChargeInput
	if !s.bindJSON(c, &in) {
		return
	}
	charge, err := s.deps.Services.Charges.Create(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, charge)
}

func (s *Server) listCharges(c *gin.Context) {
	charges, err := s.deps.Services.Charges.List(c.Request.Context(), tenant(c), listOptions(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charges": charges})
}

func (s *Server) getCharge(c *gin.Context) {
	charge, err := s.deps.Services.Charges.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, charge)
}

func (s *Server) createRefund(c *gin.Context) {
	var in services.CreateRefundInput
	if !s.bindJSON(c, &in) {
		return
	}
	refund, err := s.deps.Services.Refunds.Create(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

func (s *Server) getRefund(c *gin.Context) {
	refund, err := s.deps.Services.Refunds.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (s *Server) attachPaymentMethod(c *gin.Context) {
	var in services.AttachInput
	if !s.bindJSON(c, &in) {
		return
	}
	method, err := s.deps.Services.PaymentMethods.Attach(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, method)
}

func (s *Server) defaultPaymentMethod(c *gin.Context) {
	method, err := s.deps.Services.PaymentMethods.SetDefault(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, method)
}

func (s *Server) deletePaymentMethod(c *gin.Context) {
	if err := s.deps.Services.PaymentMethods.Delete(c.Request.Context(), tenant(c), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createSubscription(c *gin.Context) {
	var in services.CreateSubscriptionInput
	if !s.bindJSON(c, &in) {
		return
	}
	sub, err := s.deps.Services.Subscriptions.Create(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.deps.Services.Subscriptions.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) updateSubscription(c *gin.Context) {
	var in services.UpdateSubscriptionInput
	if !s.bindJSON(c, &in) {
		return
	}
	sub, err := s.deps.Services.Subscriptions.Update(c.Request.Context(), tenant(c), c.Param("id"), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) cancelSubscription(c *gin.Context) {
	atPeriodEnd, _ := strconv.ParseBool(c.Query("at_period_end"))
	sub, err := s.deps.Services.Subscriptions.Cancel(c.Request.Context(), tenant(c), c.Param("id"), atPeriodEnd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
