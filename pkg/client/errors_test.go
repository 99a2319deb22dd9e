package client

import (
	"errors"
	"net/http"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{name: "client error should not retry", errorClass: ErrorClassClient, expected: false},
		{name: "server error should retry", errorClass: ErrorClassServer, expected: true},
		{name: "rate limit should retry", errorClass: ErrorClassRateLimit, expected: true},
		{name: "network error should retry", errorClass: ErrorClassNetwork, expected: true},
		{name: "empty error class should not retry", errorClass: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   ErrorClass
	}{
		{name: "transport error", err: errors.New("connection refused"), want: ErrorClassNetwork},
		{name: "404", status: http.StatusNotFound, want: ErrorClassClient},
		{name: "400", status: http.StatusBadRequest, want: ErrorClassClient},
		{name: "429", status: http.StatusTooManyRequests, want: ErrorClassRateLimit},
		{name: "500", status: http.StatusInternalServerError, want: ErrorClassServer},
		{name: "503", status: http.StatusServiceUnavailable, want: ErrorClassServer},
		{name: "200", status: http.StatusOK, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			if got := classifyError(resp, tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNodeError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *NodeError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &NodeError{
				Class:    ErrorClassNetwork,
				Endpoint: "rpc:status",
				Message:  "request failed",
				Err:      errors.New("connection refused"),
			},
			expected: "node network error on rpc:status (status 0): request failed: connection refused",
		},
		{
			name: "error without wrapped error",
			err: &NodeError{
				StatusCode: 404,
				Class:      ErrorClassClient,
				Endpoint:   "rest:bank_balance",
				Message:    "not found",
			},
			expected: "node client error on rest:bank_balance (status 404): not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNodeError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &NodeError{Class: ErrorClassNetwork, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is() should find the wrapped error")
	}

	var nerr *NodeError
	if !errors.As(error(err), &nerr) || nerr.Class != ErrorClassNetwork {
		t.Error("errors.As() should find *NodeError")
	}
}

func TestRPCError_Error(t *testing.T) {
	e := &RPCError{Code: -32603, Message: "Internal error", Data: "height 5 is not available"}
	if got := e.Error(); got != "rpc error -32603: Internal error: height 5 is not available" {
		t.Errorf("Error() = %q", got)
	}
	if !heightUnavailable(e) {
		t.Error("heightUnavailable() = false for pruned height")
	}
	if heightUnavailable(&RPCError{Code: -32603, Message: "Internal error", Data: "boom"}) {
		t.Error("heightUnavailable() = true for unrelated error")
	}
}

func TestChargesBudget(t *testing.T) {
	if chargesBudget(ErrorClassClient) {
		t.Error("client errors must not charge the error budget")
	}
	for _, c := range []ErrorClass{ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork} {
		if !chargesBudget(c) {
			t.Errorf("chargesBudget(%q) = false", c)
		}
	}
}
