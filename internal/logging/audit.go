// Package logging provides audit logging that outputs Mangle-queryable facts.
// Audit logs are structured events that can be parsed into Mangle predicates
// for declarative querying and analysis of a run after the fact.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES - Maps to Mangle predicates
// =============================================================================

// AuditEventType defines the type of audit event (maps to Mangle predicate)
type AuditEventType string

const (
	// Run lifecycle events -> run_event/4
	AuditRunStart    AuditEventType = "run_start"
	AuditRunComplete AuditEventType = "run_complete"
	AuditRunFailed   AuditEventType = "run_failed"
	AuditRunAborted  AuditEventType = "run_aborted"
	AuditRunPaused   AuditEventType = "run_paused"

	// Phase lifecycle events -> phase_event/5
	AuditPhaseStart    AuditEventType = "phase_start"
	AuditPhaseAttempt  AuditEventType = "phase_attempt"
	AuditPhaseComplete AuditEventType = "phase_complete"
	AuditPhaseBlocked  AuditEventType = "phase_blocked"
	AuditPhaseFailed   AuditEventType = "phase_failed"

	// Workspace gateway events -> workspace_op/5
	AuditWorkspaceRead      AuditEventType = "workspace_read"
	AuditWorkspaceWrite     AuditEventType = "workspace_write"
	AuditWorkspaceDelete    AuditEventType = "workspace_delete"
	AuditWorkspaceRename    AuditEventType = "workspace_rename"
	AuditWorkspaceViolation AuditEventType = "workspace_violation"

	// Save point events -> save_point_event/4
	AuditSavePointCreate   AuditEventType = "save_point_create"
	AuditSavePointRollback AuditEventType = "save_point_rollback"

	// Patch events -> patch_event/5
	AuditPatchApply  AuditEventType = "patch_apply"
	AuditPatchReject AuditEventType = "patch_reject"

	// Governance events -> governance_decision/5
	AuditGovernanceAllow    AuditEventType = "governance_allow"
	AuditGovernanceDeny     AuditEventType = "governance_deny"
	AuditGovernanceApproval AuditEventType = "governance_approval"

	// Approval events -> approval_event/5
	AuditApprovalRequest AuditEventType = "approval_request"
	AuditApprovalResolve AuditEventType = "approval_resolve"
	AuditApprovalTimeout AuditEventType = "approval_timeout"
	AuditApprovalErrored AuditEventType = "approval_errored"

	// Test run events -> test_run_event/5
	AuditTestBaseline AuditEventType = "test_baseline"
	AuditTestDelta    AuditEventType = "test_delta"

	// LLM API events -> llm_call/6
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Doctor events -> doctor_event/5
	AuditDoctorConsult AuditEventType = "doctor_consult"
	AuditDoctorAction  AuditEventType = "doctor_action"

	// Re-plan events -> replan_event/5
	AuditReplanTrigger AuditEventType = "replan_trigger"
	AuditReplanAccept  AuditEventType = "replan_accept"
	AuditReplanReject  AuditEventType = "replan_reject"

	// Learning events -> learning_event/5
	AuditHintRecord  AuditEventType = "hint_record"
	AuditRulePromote AuditEventType = "rule_promote"

	// Error events -> error_event/4
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
	AuditErrorRecovery AuditEventType = "error_recovery"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry that can be parsed to Mangle.
// Format: predicate(timestamp, category, ...args)
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType         `json:"event"`   // Maps to Mangle predicate
	Category   string                 `json:"cat"`     // Log category
	RunID      string                 `json:"run"`     // Run correlation
	PhaseID    string                 `json:"phase"`   // Phase ID if applicable
	Target     string                 `json:"target"`  // Target of operation
	Action     string                 `json:"action"`  // Action being performed
	Success    bool                   `json:"success"` // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`  // Duration in milliseconds
	Error      string                 `json:"error"`   // Error message if failed
	Message    string                 `json:"msg"`     // Human-readable message
	Fields     map[string]interface{} `json:"fields"`  // Additional structured fields
	MangleFact string                 `json:"mangle"`  // Pre-formatted Mangle fact
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging with Mangle fact generation
type AuditLogger struct {
	runID    string
	phaseID  string
	category Category
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	// Write header
	header := fmt.Sprintf("# Audit log started at %s\n# Format: Mangle-queryable structured events\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithRun creates an audit logger scoped to a run
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// AuditWithPhase creates an audit logger scoped to a run and phase
func AuditWithPhase(runID, phaseID string) *AuditLogger {
	return &AuditLogger{runID: runID, phaseID: phaseID}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(runID, phaseID string, category Category) *AuditLogger {
	return &AuditLogger{
		runID:    runID,
		phaseID:  phaseID,
		category: category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" && a.runID != "" {
		event.RunID = a.runID
	}
	if event.PhaseID == "" && a.phaseID != "" {
		event.PhaseID = a.phaseID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	// Generate Mangle fact
	event.MangleFact = generateMangleFact(event)

	auditMu.Lock()
	defer auditMu.Unlock()

	// Write JSON line
	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// generateMangleFact creates a Mangle-compatible fact string from an event
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditRunStart, AuditRunComplete, AuditRunFailed, AuditRunAborted, AuditRunPaused:
		return fmt.Sprintf("run_event(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, e.RunID, e.Success)

	case AuditPhaseStart, AuditPhaseAttempt, AuditPhaseComplete, AuditPhaseBlocked, AuditPhaseFailed:
		return fmt.Sprintf("phase_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.RunID, e.PhaseID, e.Success)

	case AuditWorkspaceRead, AuditWorkspaceWrite, AuditWorkspaceDelete, AuditWorkspaceRename, AuditWorkspaceViolation:
		return fmt.Sprintf("workspace_op(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.RunID, escapeString(e.Target), e.Success)

	case AuditSavePointCreate, AuditSavePointRollback:
		return fmt.Sprintf("save_point_event(%d, /%s, \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.RunID, e.Target)

	case AuditPatchApply, AuditPatchReject:
		files := 0
		if f, ok := e.Fields["files"].(int); ok {
			files = f
		}
		return fmt.Sprintf("patch_event(%d, /%s, \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.PhaseID, e.Success, files)

	case AuditGovernanceAllow, AuditGovernanceDeny, AuditGovernanceApproval:
		return fmt.Sprintf("governance_decision(%d, /%s, \"%s\", \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.PhaseID, e.Action, escapeString(e.Target))

	case AuditApprovalRequest, AuditApprovalResolve, AuditApprovalTimeout, AuditApprovalErrored:
		return fmt.Sprintf("approval_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Target, e.Action, e.Success)

	case AuditTestBaseline, AuditTestDelta:
		passed := 0
		failed := 0
		if p, ok := e.Fields["passed"].(int); ok {
			passed = p
		}
		if f, ok := e.Fields["failed"].(int); ok {
			failed = f
		}
		return fmt.Sprintf("test_run_event(%d, /%s, \"%s\", %d, %d).",
			e.Timestamp, e.EventType, e.PhaseID, passed, failed)

	case AuditLLMRequest, AuditLLMResponse, AuditLLMError:
		tokens := 0
		if t, ok := e.Fields["tokens"].(int); ok {
			tokens = t
		}
		return fmt.Sprintf("llm_call(%d, /%s, \"%s\", %v, %d, %d).",
			e.Timestamp, e.EventType, e.Target, e.Success, e.DurationMs, tokens)

	case AuditDoctorConsult, AuditDoctorAction:
		return fmt.Sprintf("doctor_event(%d, /%s, \"%s\", \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.PhaseID, e.Action, e.Target)

	case AuditReplanTrigger, AuditReplanAccept, AuditReplanReject:
		return fmt.Sprintf("replan_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.RunID, e.PhaseID, e.Success)

	case AuditHintRecord, AuditRulePromote:
		return fmt.Sprintf("learning_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.PhaseID, escapeString(e.Target), e.Success)

	case AuditErrorGeneric, AuditErrorCritical, AuditErrorRecovery:
		return fmt.Sprintf("error_event(%d, /%s, \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Error))

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Message), e.Success)
	}
}

func escapeString(s string) string {
	// Escape quotes and backslashes for Mangle strings
	var b strings.Builder
	// Grow to fit at least the original string plus a little overhead for escapes
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// RunEvent logs a run lifecycle event
func (a *AuditLogger) RunEvent(eventType AuditEventType, runID string, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		RunID:     runID,
		Success:   success,
		Message:   fmt.Sprintf("Run %s: %s success=%v", eventType, runID, success),
	})
}

// PhaseEvent logs a phase lifecycle event
func (a *AuditLogger) PhaseEvent(eventType AuditEventType, runID, phaseID string, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		RunID:     runID,
		PhaseID:   phaseID,
		Success:   success,
		Message:   fmt.Sprintf("Phase %s: %s/%s success=%v", eventType, runID, phaseID, success),
	})
}

// WorkspaceOp logs a gateway file operation
func (a *AuditLogger) WorkspaceOp(op AuditEventType, path string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    path,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("Workspace %s: %s (success=%v)", op, path, success),
	})
}

// SavePoint logs save point creation or rollback
func (a *AuditLogger) SavePoint(eventType AuditEventType, savePointID string) {
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    savePointID,
		Success:   true,
		Message:   fmt.Sprintf("Save point %s: %s", eventType, savePointID),
	})
}

// PatchApplied logs a successful patch application
func (a *AuditLogger) PatchApplied(phaseID string, filesTouched int, linesAdded, linesDeleted int) {
	a.Log(AuditEvent{
		EventType: AuditPatchApply,
		PhaseID:   phaseID,
		Success:   true,
		Fields: map[string]interface{}{
			"files":         filesTouched,
			"lines_added":   linesAdded,
			"lines_deleted": linesDeleted,
		},
		Message: fmt.Sprintf("Patch applied: %d files, +%d/-%d lines", filesTouched, linesAdded, linesDeleted),
	})
}

// PatchRejected logs a rejected patch
func (a *AuditLogger) PatchRejected(phaseID, reason string) {
	a.Log(AuditEvent{
		EventType: AuditPatchReject,
		PhaseID:   phaseID,
		Success:   false,
		Error:     reason,
		Message:   fmt.Sprintf("Patch rejected: %s", reason),
	})
}

// GovernanceDecision logs a policy decision with the rule that produced it
func (a *AuditLogger) GovernanceDecision(eventType AuditEventType, phaseID, rule, target string) {
	a.Log(AuditEvent{
		EventType: eventType,
		PhaseID:   phaseID,
		Action:    rule,
		Target:    target,
		Success:   eventType != AuditGovernanceDeny,
		Message:   fmt.Sprintf("Governance %s: rule=%s target=%s", eventType, rule, target),
	})
}

// ApprovalEvent logs an approval lifecycle event
func (a *AuditLogger) ApprovalEvent(eventType AuditEventType, approvalID, decision string, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    approvalID,
		Action:    decision,
		Success:   success,
		Message:   fmt.Sprintf("Approval %s: %s decision=%s", eventType, approvalID, decision),
	})
}

// TestRun logs a baseline capture or delta classification
func (a *AuditLogger) TestRun(eventType AuditEventType, phaseID string, passed, failed int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  eventType,
		PhaseID:    phaseID,
		Success:    failed == 0,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"passed": passed, "failed": failed},
		Message:    fmt.Sprintf("Test %s: passed=%d failed=%d (%dms)", eventType, passed, failed, durationMs),
	})
}

// LLMCall logs an LLM API call
func (a *AuditLogger) LLMCall(model string, tokens int, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditLLMResponse,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
		Message:    fmt.Sprintf("LLM call: %s -> %d tokens (%dms, success=%v)", model, tokens, durationMs, success),
	})
}

// DoctorAction logs a diagnostic consult and its chosen action
func (a *AuditLogger) DoctorAction(phaseID, action, detail string, strong bool) {
	a.Log(AuditEvent{
		EventType: AuditDoctorAction,
		PhaseID:   phaseID,
		Action:    action,
		Target:    detail,
		Success:   true,
		Fields:    map[string]interface{}{"strong_model": strong},
		Message:   fmt.Sprintf("Doctor action: %s (%s, strong=%v)", action, detail, strong),
	})
}

// ReplanEvent logs a re-plan trigger or resolution
func (a *AuditLogger) ReplanEvent(eventType AuditEventType, runID, phaseID string, accepted bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		RunID:     runID,
		PhaseID:   phaseID,
		Success:   accepted,
		Message:   fmt.Sprintf("Replan %s: %s/%s accepted=%v", eventType, runID, phaseID, accepted),
	})
}

// Error logs an error event
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
