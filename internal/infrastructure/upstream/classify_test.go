package upstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
)

func TestClassifyBidResponse(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantSuccess   bool
		wantErrorType string
		wantRetryable bool
	}{
		{
			name:          "duplicate needs both markers",
			status:        200,
			body:          `{"message":"You have already placed a bid at the same price"}`,
			wantErrorType: apperrors.CodeDuplicateBidAmount,
		},
		{
			name:        "already placed alone is not a duplicate",
			status:      200,
			body:        `{"message":"You have already placed a bid"}`,
			wantSuccess: true,
		},
		{
			name:          "bid too low",
			status:        400,
			body:          `{"error":"Your bid is too low"}`,
			wantErrorType: apperrors.CodeBidTooLow,
		},
		{
			name:          "minimum bid marker",
			status:        200,
			body:          `{"message":"Bid does not meet the minimum bid"}`,
			wantErrorType: apperrors.CodeBidTooLow,
		},
		{
			name:          "auction ended",
			status:        200,
			body:          `{"message":"This auction has ended"}`,
			wantErrorType: apperrors.CodeAuctionEnded,
		},
		{
			name:          "auction closed",
			status:        410,
			body:          `{"message":"Bidding is closed for this item"}`,
			wantErrorType: apperrors.CodeAuctionEnded,
		},
		{
			name:          "login marker",
			status:        200,
			body:          `{"message":"Please login to continue"}`,
			wantErrorType: apperrors.CodeAuthenticationError,
		},
		{
			name:          "authentication marker",
			status:        401,
			body:          `{"error":"authentication required"}`,
			wantErrorType: apperrors.CodeAuthenticationError,
		},
		{
			name:          "matching is case-insensitive",
			status:        200,
			body:          `{"message":"BID TOO LOW"}`,
			wantErrorType: apperrors.CodeBidTooLow,
		},
		{
			name:          "outbid marker on success status",
			status:        200,
			body:          `{"message":"You have been outbid"}`,
			wantErrorType: apperrors.CodeOutbid,
			wantRetryable: true,
		},
		{
			name:          "higher maximum bid marker",
			status:        200,
			body:          `{"message":"Another bidder has a higher maximum bid"}`,
			wantErrorType: apperrors.CodeOutbid,
			wantRetryable: true,
		},
		{
			name:        "plain success",
			status:      200,
			body:        `{"message":"Bid placed successfully"}`,
			wantSuccess: true,
		},
		{
			name:        "empty body on success status",
			status:      201,
			body:        ``,
			wantSuccess: true,
		},
		{
			name:          "401 without markers",
			status:        401,
			body:          `{"message":"nope"}`,
			wantErrorType: apperrors.CodeAuthenticationError,
		},
		{
			name:          "403 without markers",
			status:        403,
			body:          `{"message":"forbidden"}`,
			wantErrorType: apperrors.CodeAuthenticationError,
		},
		{
			name:          "5xx is a server error",
			status:        503,
			body:          `{"message":"upstream unavailable"}`,
			wantErrorType: apperrors.CodeServerError,
			wantRetryable: true,
		},
		{
			name:          "unmapped status is unknown",
			status:        418,
			body:          `{"message":"short and stout"}`,
			wantErrorType: apperrors.CodeUnknownError,
			wantRetryable: true,
		},
		{
			name:          "raw body fallback when not JSON",
			status:        200,
			body:          `Please login again`,
			wantErrorType: apperrors.CodeAuthenticationError,
		},
		{
			name:          "non-JSON 5xx body",
			status:        504,
			body:          `Gateway Timeout`,
			wantErrorType: apperrors.CodeServerError,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyBidResponse(tt.status, []byte(tt.body), 100)
			assert.Equal(t, tt.wantSuccess, got.Success)
			assert.Equal(t, tt.wantErrorType, got.ErrorType)
			assert.Equal(t, tt.wantRetryable, got.Retryable)
			assert.Equal(t, 100, got.Amount)
		})
	}
}

// The table order is the contract: when a message matches several
// markers, the earliest row wins.
func TestClassifyBidResponseMatchOrder(t *testing.T) {
	got := classifyBidResponse(200, []byte(`{"message":"Your bid is too low, the auction has ended"}`), 50)
	assert.Equal(t, apperrors.CodeBidTooLow, got.ErrorType)
}

func TestClassifyBidResponseOutbidCarriesAmounts(t *testing.T) {
	body := `{"message":"You have been outbid","currentAmount":35,"minimumNextBid":40}`
	got := classifyBidResponse(200, []byte(body), 30)

	assert.Equal(t, apperrors.CodeOutbid, got.ErrorType)
	assert.True(t, got.Retryable)
	assert.Equal(t, 35, got.CurrentAmount)
	assert.Equal(t, 40, got.MinimumNextBid)
}

func TestClassifyBidResponseOutbidQuotedAmounts(t *testing.T) {
	body := `{"message":"outbid","currentAmount":"35.00","minimumNextBid":"40.00"}`
	got := classifyBidResponse(200, []byte(body), 30)

	assert.Equal(t, apperrors.CodeOutbid, got.ErrorType)
	assert.Equal(t, 35, got.CurrentAmount)
	assert.Equal(t, 40, got.MinimumNextBid)
}

// Outbid is only meaningful on a 2xx; a server error that happens to
// mention outbid is still a server error.
func TestClassifyBidResponseOutbidRequiresSuccessStatus(t *testing.T) {
	got := classifyBidResponse(500, []byte(`{"message":"outbid processing failed"}`), 50)
	assert.Equal(t, apperrors.CodeServerError, got.ErrorType)
}

func TestConnectionFailure(t *testing.T) {
	got := connectionFailure(75, errors.New("dial tcp: connection refused"))

	assert.False(t, got.Success)
	assert.Equal(t, apperrors.CodeConnectionError, got.ErrorType)
	assert.True(t, got.Retryable)
	assert.Equal(t, 75, got.Amount)
	assert.Contains(t, got.Message, "connection refused")
}

func TestClassifySnapshotStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"401 is an auth error", 401, `{}`, apperrors.CodeAuthenticationError},
		{"403 is an auth error", 403, `{}`, apperrors.CodeAuthenticationError},
		{"login marker in body", 400, `{"message":"please login"}`, apperrors.CodeAuthenticationError},
		{"404 means the auction is gone", 404, `{}`, apperrors.CodeAuctionEnded},
		{"5xx is a server error", 502, `{}`, apperrors.CodeServerError},
		{"anything else is unknown", 422, `{}`, apperrors.CodeUnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifySnapshotStatus(tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
		})
	}
}
