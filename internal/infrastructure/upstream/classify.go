package upstream

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
)

// BidResult is the structured outcome of a bid attempt. Amount echoes
// what was sent; CurrentAmount/MinimumNextBid are only set for OUTBID
// responses, where the upstream reveals the standing state.
type BidResult struct {
	Success        bool   `json:"success"`
	Amount         int    `json:"amount"`
	Message        string `json:"message,omitempty"`
	ErrorType      string `json:"errorType,omitempty"`
	Retryable      bool   `json:"retryable"`
	CurrentAmount  int    `json:"currentAmount,omitempty"`
	MinimumNextBid int    `json:"minimumNextBid,omitempty"`
}

// bidResponseBody covers the shapes the site answers bids with. Amounts
// come back as numbers or quoted strings depending on the endpoint.
type bidResponseBody struct {
	Message        string     `json:"message"`
	Error          string     `json:"error"`
	CurrentAmount  flexNumber `json:"currentAmount"`
	MinimumNextBid flexNumber `json:"minimumNextBid"`
}

// Classification substrings, matched against the lowercased upstream
// message in this order. Pinned verbatim: tests and operators rely on
// these exact matches.
const (
	matchAlreadyPlaced = "already placed"
	matchSamePrice     = "same price"
	matchTooLow        = "too low"
	matchMinimumBid    = "minimum bid"
	matchEnded         = "ended"
	matchClosed        = "closed"
	matchLogin         = "login"
	matchAuth          = "authentication"
	matchHigherMaxBid  = "higher maximum bid"
	matchOutbid        = "outbid"
)

// classifyBidResponse turns an upstream bid response into a BidResult.
// The message substring table runs first regardless of HTTP status,
// because the site reports several business outcomes with a 200.
func classifyBidResponse(statusCode int, body []byte, amount int) *BidResult {
	parsed := parseBidBody(body)
	message := parsed.Message
	if message == "" {
		message = parsed.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	result := &BidResult{Amount: amount, Message: message}
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, matchAlreadyPlaced) && strings.Contains(lower, matchSamePrice):
		result.ErrorType = apperrors.CodeDuplicateBidAmount

	case strings.Contains(lower, matchTooLow) || strings.Contains(lower, matchMinimumBid):
		result.ErrorType = apperrors.CodeBidTooLow

	case strings.Contains(lower, matchEnded) || strings.Contains(lower, matchClosed):
		result.ErrorType = apperrors.CodeAuctionEnded

	case strings.Contains(lower, matchLogin) || strings.Contains(lower, matchAuth):
		result.ErrorType = apperrors.CodeAuthenticationError

	case isSuccessStatus(statusCode):
		if strings.Contains(lower, matchHigherMaxBid) || strings.Contains(lower, matchOutbid) {
			result.ErrorType = apperrors.CodeOutbid
			result.Retryable = true
			result.CurrentAmount = moneyOrZero(parsed.CurrentAmount)
			result.MinimumNextBid = moneyOrZero(parsed.MinimumNextBid)
		} else {
			result.Success = true
		}

	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		result.ErrorType = apperrors.CodeAuthenticationError

	case statusCode >= 500:
		result.ErrorType = apperrors.CodeServerError
		result.Retryable = true

	default:
		result.ErrorType = apperrors.CodeUnknownError
		result.Retryable = true
	}

	return result
}

// connectionFailure is the BidResult for transport-level errors.
func connectionFailure(amount int, err error) *BidResult {
	return &BidResult{
		Amount:    amount,
		Message:   err.Error(),
		ErrorType: apperrors.CodeConnectionError,
		Retryable: true,
	}
}

// classifySnapshotStatus maps a non-200 snapshot GET to the taxonomy.
// A 404 means the listing is gone, which the monitor treats as ended.
func classifySnapshotStatus(statusCode int, body []byte) error {
	lower := strings.ToLower(string(body))

	switch {
	case strings.Contains(lower, matchLogin) || strings.Contains(lower, matchAuth),
		statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return apperrors.NewAuthenticationError("upstream rejected the session")
	case statusCode == http.StatusNotFound:
		return apperrors.NewAuctionEndedError("auction no longer exists upstream")
	case statusCode >= 500:
		return apperrors.NewServerError("upstream returned " + http.StatusText(statusCode))
	default:
		return apperrors.NewUnknownError("unexpected upstream status " + http.StatusText(statusCode))
	}
}

func parseBidBody(body []byte) bidResponseBody {
	var parsed bidResponseBody
	// Non-JSON bodies are classified from their raw text.
	_ = json.Unmarshal(body, &parsed)
	return parsed
}

func moneyOrZero(raw flexNumber) int {
	v, err := auction.ParseMoney(raw.String())
	if err != nil {
		return 0
	}
	return v
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}
