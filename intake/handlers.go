// Package intake exposes the running auction over HTTP: bid submission for the
// bidder whose stage is current, and a read-only view of the document.
package intake

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloudx-io/tenderauction/auction"
	"github.com/cloudx-io/tenderauction/core"
)

// Auction is the part of *auction.Engine the handlers use.
type Auction interface {
	ID() string
	SubmitBid(bidderID string, amount float64) (auction.Receipt, error)
	Document() *core.Document
}

// BidRequest is the body of POST /api/v1/auctions/{id}/bids.
type BidRequest struct {
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

// Handler contains HTTP request handlers
type Handler struct {
	auction Auction
	now     func() time.Time
}

func NewHandler(a Auction) *Handler {
	return &Handler{auction: a, now: time.Now}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.SubmitBid).Methods("POST")

	router.Use(loggingMiddleware)

	return router
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auction-worker",
		"auction": h.auction.ID(),
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

// GetAuction returns the last saved document. Stage bids only carry the
// public bid fields.
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	if !h.knownAuction(w, r) {
		return
	}

	doc := h.auction.Document()
	if doc == nil {
		respondError(w, http.StatusNotFound, "Auction is not scheduled yet")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	if !h.knownAuction(w, r) {
		return
	}

	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.BidderID == "" {
		respondError(w, http.StatusBadRequest, "Bidder ID is required")
		return
	}

	receipt, err := h.auction.SubmitBid(req.BidderID, req.Amount)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (h *Handler) knownAuction(w http.ResponseWriter, r *http.Request) bool {
	if mux.Vars(r)["id"] != h.auction.ID() {
		respondError(w, http.StatusNotFound, "Unknown auction")
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidAmount), errors.Is(err, core.ErrStepTooSmall):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrNotYourTurn):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrAuctionClosed),
		errors.Is(err, auction.ErrAuctionNotStarted),
		errors.Is(err, auction.ErrNotBiddingStage):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("WARNING: Failed to write response: %v", err)
	}
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("INFO: %s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}
