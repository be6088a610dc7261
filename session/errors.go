package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
)

var (
	ErrAlreadyInitializing = errors.New("session initialization already in progress")
	ErrSaveInProgress      = errors.New("session save already in progress")
	ErrQueueFull           = errors.New("send queue is full")
	ErrReauthRequired      = errors.New("reauthentication required")
	ErrNoWorkDir           = errors.New("session working directory does not exist")
	ErrNoChallenge         = errors.New("no challenge pending")
	ErrAlreadyReady        = errors.New("session already authenticated")
	ErrShuttingDown        = errors.New("session manager is shutting down")
	ErrUnknownTenant       = errors.New("unknown tenant")
	ErrInvalidTenant       = errors.New("invalid tenant id")
)

// Tenant ids name directories under the sessions root
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateTenantID rejects ids that are not safe directory names under
// the sessions root.
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%q: %w", tenantID, ErrInvalidTenant)
	}
	return nil
}

// SessionConflictError reports that another party took over the tenant's identity,
// or that the handle died under a call. Resolved by teardown, cooldown and reinit.
type SessionConflictError struct {
	TenantID string
	Reason   string
	Err      error
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("session conflict for tenant %s: %s", e.TenantID, e.Reason)
}

func (e *SessionConflictError) Unwrap() error {
	return e.Err
}

// AuthFailureError reports that the client rejected the stored credentials
type AuthFailureError struct {
	TenantID string
	Reason   string
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("authentication failed for tenant %s: %s", e.TenantID, e.Reason)
}

// TimeoutError reports an operation that exceeded its hard deadline
type TimeoutError struct {
	TenantID string
	Op       string
	After    time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s for tenant %s", e.Op, e.After, e.TenantID)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// TerminalError is surfaced to the caller and never retried
type TerminalError struct {
	TenantID string
	Reason   string
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	msg := fmt.Sprintf("%s for tenant %s", e.Reason, e.TenantID)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err must not be retried
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// Failure markers that mean the handle is unusable and a fresh one may succeed
var retryableMarkers = []string{
	channel.StateConflict,
	channel.StateUnlaunched,
	"session closed",
	"target closed",
	"handle closed",
}

// IsRetryable classifies a send failure. Conflicts and dead handles are
// retryable; everything else propagates.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var conflict *SessionConflictError
	if errors.As(err, &conflict) {
		return true
	}
	if errors.Is(err, channel.ErrClosed) || errors.Is(err, channel.ErrNotConnected) {
		return true
	}

	var remote *channel.RemoteError
	if errors.As(err, &remote) && isRetryableText(remote.Code) {
		return true
	}
	return isRetryableText(err.Error())
}

func isRetryableText(s string) bool {
	for _, marker := range retryableMarkers {
		if containsFold(s, marker) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Markers of an init failure caused by the host being offline
var networkDownMarkers = []string{
	"err_internet_disconnected",
	"err_name_not_resolved",
	"network is unreachable",
	"no such host",
}

func isNetworkDown(err error) bool {
	if err == nil {
		return false
	}
	for _, marker := range networkDownMarkers {
		if containsFold(err.Error(), marker) {
			return true
		}
	}
	return false
}
