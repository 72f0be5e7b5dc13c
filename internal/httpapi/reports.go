package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

// Report rows carry cent amounts for machines and decimal display strings
// for the humans reading the report.

type agingEntry struct {
	storage.AgingSummaryRow
	Total string `json:"total"`
}

type openInvoiceEntry struct {
	storage.OpenInvoiceRow
	Total       string `json:"total"`
	Outstanding string `json:"outstanding"`
}

type delinquentCustomerEntry struct {
	storage.DelinquentCustomerRow
	Balance string `json:"balance"`
}

func (s *Server) agingSummary(c *gin.Context) {
	rows, err := s.deps.Store.Reports().AgingSummary(c.Request.Context(), tenant(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]agingEntry, len(rows))
	for i, row := range rows {
		out[i] = agingEntry{
			AgingSummaryRow: row,
			Total:           domain.FormatMinor(row.TotalCents, row.Currency),
		}
	}
	c.JSON(http.StatusOK, gin.H{"aging": out})
}

func (s *Server) openInvoices(c *gin.Context) {
	rows, err := s.deps.Store.Reports().OpenInvoices(c.Request.Context(), tenant(c), listOptions(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]openInvoiceEntry, len(rows))
	for i, row := range rows {
		out[i] = openInvoiceEntry{
			OpenInvoiceRow: row,
			Total:          domain.FormatMinor(row.TotalCents, row.Currency),
			Outstanding:    domain.FormatMinor(row.OutstandingCents, row.Currency),
		}
	}
	c.JSON(http.StatusOK, gin.H{"open_invoices": out})
}

func (s *Server) delinquentCustomers(c *gin.Context) {
	rows, err := s.deps.Store.Reports().DelinquentCustomers(c.Request.Context(), tenant(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]delinquentCustomerEntry, len(rows))
	for i, row := range rows {
		out[i] = delinquentCustomerEntry{
			DelinquentCustomerRow: row,
			Balance:               domain.FormatMinor(row.BalanceCents, row.Currency),
		}
	}
	c.JSON(http.StatusOK, gin.H{"delinquent_customers": out})
}

// glReconciliationQueue joins what finance needs to work through by hand:
// postings the GL rejected and ledger-vs-processor divergences nobody has
// resolved yet.
func (s *Server) glReconciliationQueue(c *gin.Context) {
	ctx := c.Request.Context()
	t := tenant(c)
	opts := listOptions(c)

	rejected, err := s.deps.Store.GLPostings().ListRejected(ctx, t, opts)
	if err != nil {
		s.respondError(c, err)
		return
	}
	divergences, err := s.deps.Store.Divergences().ListUnresolved(ctx, t, opts)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rejected_postings": rejected,
		"divergences":       divergences,
	})
}
