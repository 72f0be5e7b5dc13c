package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/arcd/internal/services"
	"github.com/ledgerline/arcd/internal/storage"
)

// listOptions reads pagination from the query string; the repository clamps
// out-of-range values.
func listOptions(c *gin.Context) storage.ListOptions {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return storage.ListOptions{Limit: limit, Offset: offset}
}

func (s *Server) createCustomer(c *gin.Context) {
	var in services.CreateCustomerInput
	if !s.bindJSON(c, &in) {
		return
	}
	customer, err := s.deps.Services.Customers.Create(c.Request.Context(), tenant(c), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func (s *Server) listCustomers(c *gin.Context) {
	customers, err := s.deps.Services.Customers.List(c.Request.Context(), tenant(c), listOptions(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

func (s *Server) getCustomer(c *gin.Context) {
	customer, err := s.deps.Services.Customers.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (s *Server) updateCustomer(c *gin.Context) {
	var in services.UpdateCustomerInput
	if !s.bindJSON(c, &in) {
		return
	}
	customer, err := s.deps.Services.Customers.Update(c.Request.Context(), tenant(c), c.Param("id"), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (s *Server) deleteCustomer(c *gin.Context) {
	if err := s.deps.Services.Customers.SoftDelete(c.Request.Context(), tenant(c), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listPaymentMethods(c *gin.Context) {
	methods, err := s.deps.Services.PaymentMethods.List(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_methods": methods})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.deps.Services.Subscriptions.ListByCustomer(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) listLedger(c *gin.Context) {
	// The customer lookup first, so an unknown id is a 404 rather than an
	// empty ledger.
	t := tenant(c)
	if _, err := s.deps.Services.Customers.Get(c.Request.Context(), t, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	events, err := s.deps.Store.LedgerEvents().ListByCustomer(c.Request.Context(), t, c.Param("id"), listOptions(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger_events": events})
}
