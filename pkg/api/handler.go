package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

const (
	maxUserIDLen    = 255
	maxRequestBytes = 16 * 1024
)

// Route is one endpoint exposed by Handler. Pattern uses {id} for path parameters.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// Handler provides HTTP endpoints for checkout, seller onboarding and fulfillment
type Handler struct {
	config   Config
	validate *validator.Validate
}

// Routes returns every endpoint of the handler.
func (h *Handler) Routes() []Route {
	return []Route{
		{Method: http.MethodPost, Pattern: "/api/checkout", Handler: h.CreateCheckout},
		{Method: http.MethodPost, Pattern: "/api/connect/onboarding", Handler: h.StartOnboarding},
		{Method: http.MethodPost, Pattern: "/api/connect/refresh", Handler: h.RefreshOnboarding},
		{Method: http.MethodPost, Pattern: "/api/connect/reset", Handler: h.ResetOnboarding},
		{Method: http.MethodPost, Pattern: "/api/orders/{id}/delivered", Handler: h.MarkDelivered},
	}
}

// Register mounts every route on a standard library mux using method patterns.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, route := range h.Routes() {
		mux.HandleFunc(route.Method+" "+route.Pattern, route.Handler)
	}
}

// CreateCheckout starts a checkout session for the authenticated buyer and returns its URL
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	url, err := h.config.Checkout.CheckoutURL(r.Context(), billing.CheckoutRequest{
		OfferSlug:  req.Offer,
		PackageID:  req.Package,
		BuyerID:    userID,
		BuyerEmail: h.userEmail(r),
	})
	if err != nil {
		h.config.Logger.Warn("checkout session not created",
			settle.F("buyer_id", userID),
			settle.F("offer", req.Offer),
			settle.F("package", req.Package),
			settle.F("error", err))
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// StartOnboarding returns a connected-account onboarding link for the authenticated seller
func (h *Handler) StartOnboarding(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	url, err := h.config.Connect.OnboardingURL(r.Context(), userID, h.userEmail(r))
	if err != nil {
		var partial *settle.PartialFailureError
		if errors.As(err, &partial) {
			h.config.Logger.Error("connected account created but not linked",
				settle.F("account_id", partial.AccountID),
				settle.F("external_account_id", partial.ExternalID),
				settle.F("error", partial.Err))
		}
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// RefreshOnboarding re-reads the seller's onboarding status from the payments provider
func (h *Handler) RefreshOnboarding(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status, err := h.config.Refresher.RefreshAccount(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// ResetOnboarding unlinks the seller's connected account so onboarding can start over
func (h *Handler) ResetOnboarding(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.config.Onboarding.Reset(r.Context(), userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: settle.OnboardingNotConnected})
}

// MarkDelivered records that the authenticated seller delivered a paid order
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orderID := h.config.GetOrderID(r)
	if orderID == "" {
		h.handleError(w, r, fmt.Errorf("%w: order id is required", ErrInvalidRequest))
		return
	}

	order, err := settle.MarkDelivered(r.Context(), h.config.Storage, userID, orderID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid user ID format", ErrInvalidRequest))
		return "", false
	}
	return userID, true
}

func (h *Handler) userEmail(r *http.Request) string {
	if h.config.GetUserEmail == nil {
		return ""
	}
	return h.config.GetUserEmail(r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", ErrInvalidRequest)
	}
	return validateStruct(h.validate, dst)
}

var errUnauthorized = errors.New("user ID not found")

// errorStatus maps domain errors to an HTTP status and a stable error code.
// A partial failure wraps its cause, so it is matched before any cause.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, settle.ErrPartialFailure):
		return http.StatusInternalServerError, "partial_failure"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, settle.ErrOfferNotFound):
		return http.StatusNotFound, "offer_not_found"
	case errors.Is(err, settle.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, settle.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, settle.ErrSellerNotConnected):
		return http.StatusConflict, "seller_not_connected"
	case errors.Is(err, settle.ErrSellerNotReady):
		return http.StatusConflict, "seller_not_ready"
	case errors.Is(err, settle.ErrTierRequired):
		return http.StatusForbidden, "tier_required"
	case errors.Is(err, settle.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, settle.ErrUpstreamUnavailable), errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway, "checkout_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// handleError writes err as an ErrorResponse, or delegates to Config.OnError
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, code := errorStatus(err)
	response := ErrorResponse{Error: code}
	if status < http.StatusInternalServerError {
		response.Message = err.Error()
	} else {
		h.config.Logger.Error("request failed",
			settle.F("path", r.URL.Path),
			settle.F("code", code),
			settle.F("error", err))
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		return
	}
}

// orderIDFromPath reads the {id} path value, falling back to the segment before "/delivered"
func orderIDFromPath(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i := len(parts) - 1; i > 0; i-- {
		if parts[i] == "delivered" {
			return parts[i-1]
		}
	}
	return ""
}
