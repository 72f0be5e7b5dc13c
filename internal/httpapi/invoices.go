package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
)

func (s *Server) createInvoice(c *gin.Context) {
	var in services.CreateInvoiceInput
	if !s.bindJSON(c, &in) {
		return
	}
	invoice, err := s.deps.Services.Invoices.Create(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

func (s *Server) listInvoices(c *gin.Context) {
	filter := storage.InvoiceFilter{CustomerID: c.Query("customer_id")}
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, domain.InvoiceStatus(strings.TrimSpace(st)))
		}
	}
	invoices, err := s.deps.Services.Invoices.List(c.Request.Context(), tenant(c), filter, listOptions(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func (s *Server) getInvoice(c *gin.Context) {
	invoice, err := s.deps.Services.Invoices.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) issueInvoice(c *gin.Context) {
	invoice, err := s.deps.Services.Invoices.Issue(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) voidInvoice(c *gin.Context) {
	invoice, err := s.deps.Services.Invoices.Void(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) writeOffInvoice(c *gin.Context) {
	var in struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 && !s.bindJSON(c, &in) {
		return
	}
	invoice, err := s.deps.Services.Invoices.WriteOff(c.Request.Context(), tenant(c), c.Param("id"), in.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) creditMemo(c *gin.Context) {
	var in services.CreditMemoInput
	if !s.bindJSON(c, &in) {
		return
	}
	memo, err := s.deps.Services.Invoices.CreditMemo(c.Request.Context(), tenant(c), c.Param("id"), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, memo)
}

func (s *Server) applyPayment(c *gin.Context) {
	var in services.ApplyPaymentInput
	if !s.bindJSON(c, &in) {
		return
	}
	in.InvoiceID = c.Param("id")
	invoice, err := s.deps.Services.Applications.Apply(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}
