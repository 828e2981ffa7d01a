// Package audit provides security audit logging for SIEM consumption and the
// append-only change log file written after every committed edit.
//
// Security events are logged in structured JSON format for easy parsing and
// integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	libinjection "github.com/corazawaf/libinjection-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/logging"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// maxLoggedValueLength bounds request values copied into security events.
const maxLoggedValueLength = 200

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection detects SQL injection patterns.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventAccessDenied is logged when an authenticated actor is refused an operation.
	EventAccessDenied SecurityEventType = "access_denied"
	// EventAuthFailure is logged when a request carries an invalid or expired token.
	EventAuthFailure SecurityEventType = "auth_failure"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	Table     string            `json:"table,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// InjectionFinding is one request value that matched a SQL injection pattern.
type InjectionFinding struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// CheckValue runs libinjection over a string value. Non-strings never match.
func CheckValue(paramName string, value any) *InjectionFinding {
	s, ok := value.(string)
	if !ok || s == "" {
		return nil
	}
	if isSQLi, fp := libinjection.IsSQLi(s); isSQLi {
		return &InjectionFinding{ParamName: paramName, ParamValue: logging.TruncateString(s, maxLoggedValueLength), Fingerprint: string(fp)}
	}
	return nil
}

// ScanViewRequest checks the search term and every string filter value.
// Findings are ordered by parameter name.
func ScanViewRequest(req *models.ViewRequest) []InjectionFinding {
	if req == nil {
		return nil
	}
	var findings []InjectionFinding
	if f := CheckValue("search", req.Search); f != nil {
		findings = append(findings, *f)
	}

	cols := make([]string, 0, len(req.Filters))
	for c := range req.Filters {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	for _, col := range cols {
		spec := req.Filters[col]
		name := "filters." + col
		switch v := spec.Value.(type) {
		case []any:
			for i, item := range v {
				if f := CheckValue(fmt.Sprintf("%s[%d]", name, i), item); f != nil {
					findings = append(findings, *f)
				}
			}
		default:
			if f := CheckValue(name, v); f != nil {
				findings = append(findings, *f)
			}
		}
	}
	return findings
}

// SecurityAuditor logs security events for SIEM consumption.
// It never blocks a request: every value reaching SQL is bound as a parameter.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// InspectViewRequest scans req and logs one event per finding.
// It returns the number of findings.
func (a *SecurityAuditor) InspectViewRequest(ctx context.Context, table string, req *models.ViewRequest, clientIP string) int {
	findings := ScanViewRequest(req)
	for _, f := range findings {
		a.LogInjectionAttempt(ctx, table, f, clientIP)
	}
	return len(findings)
}

// LogInjectionAttempt records a detected SQL injection attempt at ERROR level
// with "critical" severity.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, table string, f InjectionFinding, clientIP string) {
	userID := models.ActorIDFromContext(ctx)
	eventJSON := a.marshal(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSQLInjectionAttempt,
		Table:     table,
		UserID:    userID,
		ClientIP:  clientIP,
		Details:   f,
		Severity:  "critical",
	})

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", eventJSON),
		zap.String("table", table),
		zap.String("param_name", f.ParamName),
		zap.String("fingerprint", f.Fingerprint),
		zap.String("client_ip", clientIP),
		zap.String("user_id", userID),
		zap.String("severity", "critical"),
	)
}

// LogAccessDenied records a refused operation at WARN level.
func (a *SecurityAuditor) LogAccessDenied(ctx context.Context, operation, reason, clientIP string) {
	userID := models.ActorIDFromContext(ctx)
	eventJSON := a.marshal(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAccessDenied,
		UserID:    userID,
		ClientIP:  clientIP,
		Details:   map[string]string{"operation": operation, "reason": reason},
		Severity:  "warning",
	})

	a.logger.Warn("Access denied",
		zap.String("event_json", eventJSON),
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("client_ip", clientIP),
		zap.String("user_id", userID),
		zap.String("severity", "warning"),
	)
}

// LogAuthFailure records a rejected token at WARN level.
func (a *SecurityAuditor) LogAuthFailure(reason, clientIP string) {
	reason = logging.SanitizeError(errors.New(reason))
	eventJSON := a.marshal(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAuthFailure,
		ClientIP:  clientIP,
		Details:   map[string]string{"reason": reason},
		Severity:  "warning",
	})

	a.logger.Warn("Authentication failed",
		zap.String("event_json", eventJSON),
		zap.String("reason", reason),
		zap.String("client_ip", clientIP),
		zap.String("severity", "warning"),
	)
}

func (a *SecurityAuditor) marshal(ev SecurityEvent) string {
	// Marshaling known types does not fail.
	b, _ := json.Marshal(ev)
	return string(b)
}
