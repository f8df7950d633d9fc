package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
)

func formatResponse(resp models.OperationResponse) string {
	var b strings.Builder
	t := resp.Telemetry
	if resp.Success {
		b.WriteString(resp.Content)
		if !strings.HasSuffix(resp.Content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "Error:         %s\n", resp.ErrorMessage)
		if d := resp.Error; d != nil {
			fmt.Fprintf(&b, "Kind:          %s\n", d.Kind)
			if len(d.Alternatives) > 0 {
				fmt.Fprintf(&b, "Alternatives:  %s\n", strings.Join(d.Alternatives, ", "))
			}
			if d.Recommended != "" {
				fmt.Fprintf(&b, "Recommended:   %s\n", d.Recommended)
			}
		}
	}
	fmt.Fprintf(&b, "Operation:     %s\n", t.OperationID)
	fmt.Fprintf(&b, "Outcome:       %s\n", t.Outcome)
	if t.ProviderID != "" {
		fmt.Fprintf(&b, "Model:         %s (%s)\n", models.DescriptorKey(t.ProviderID, t.ModelID), t.ResolutionSource)
	}
	if t.FallbackReason != "" {
		fmt.Fprintf(&b, "Fallback:      %s\n", t.FallbackReason)
	}
	fmt.Fprintf(&b, "Tokens:        %d in / %d out\n", t.TokensIn, t.TokensOut)
	fmt.Fprintf(&b, "Cost:          $%.4f\n", t.EstimatedCost)
	fmt.Fprintf(&b, "Latency:       %dms (%d retries)\n", t.LatencyMs, t.RetryCount)
	if resp.FromCache {
		b.WriteString("Cache:         hit\n")
	}
	if t.DeprecationWarning {
		b.WriteString("Warning:       model is deprecated\n")
	}
	if t.BudgetWarning {
		b.WriteString("Warning:       session budget nearly exhausted\n")
	}
	return b.String()
}

func formatSelections(sels []models.ModelSelection) string {
	if len(sels) == 0 {
		return "No model selections configured.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-17s %-20s %-14s %-7s %-32s %-6s\n",
		"SCOPE", "SESSION", "STAGE", "FAMILY", "MODEL", "PINNED")
	b.WriteString(strings.Repeat("-", 101) + "\n")
	for _, s := range sels {
		fmt.Fprintf(&b, "%-17s %-20s %-14s %-7s %-32s %-6t\n",
			s.Scope, dash(s.SessionID), dash(s.Stage), dash(string(s.Family)),
			models.DescriptorKey(s.ProviderID, s.ModelID), s.IsPinned)
	}
	return b.String()
}

func formatResolution(res resolver.Resolution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model:         %s\n", res.Descriptor.Key())
	fmt.Fprintf(&b, "Source:        %s\n", res.Source)
	fmt.Fprintf(&b, "Pinned:        %t\n", res.Pinned)
	if res.FallbackReason != "" {
		fmt.Fprintf(&b, "Fallback:      %s\n", res.FallbackReason)
	}
	if res.DeprecationWarning {
		replacement := res.Descriptor.DeprecationReplacementID
		if replacement == "" {
			replacement = "none"
		}
		fmt.Fprintf(&b, "Deprecated:    replacement %s\n", replacement)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(&b, "Skipped:       %s\n", s)
	}
	return b.String()
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-14s %-28s %-16s %-10s %8s %10s %-20s\n",
		"OPERATION ID", "STAGE", "MODEL", "SOURCE", "OUTCOME", "LATENCY", "TOKENS", "TIME")
	b.WriteString(strings.Repeat("-", 151) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-38s %-14s %-28s %-16s %-10s %6dms %10d %-20s\n",
			e.OperationID, e.Stage, modelOf(e), e.ResolutionSource, e.Outcome,
			e.LatencyMs, e.TokensIn+e.TokensOut,
			e.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditEntry(e models.AuditEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation ID:  %s\n", e.OperationID)
	fmt.Fprintf(&b, "Session:       %s\n", e.SessionID)
	if e.JobID != "" {
		fmt.Fprintf(&b, "Job:           %s\n", e.JobID)
	}
	fmt.Fprintf(&b, "Stage:         %s\n", e.Stage)
	if e.OperationType != "" {
		fmt.Fprintf(&b, "Type:          %s\n", e.OperationType)
	}
	fmt.Fprintf(&b, "Model:         %s\n", modelOf(e))
	fmt.Fprintf(&b, "Source:        %s\n", e.ResolutionSource)
	if e.FallbackReason != "" {
		fmt.Fprintf(&b, "Fallback:      %s\n", e.FallbackReason)
	}
	fmt.Fprintf(&b, "Outcome:       %s\n", e.Outcome)
	if e.ErrorKind != "" {
		fmt.Fprintf(&b, "Error:         %s: %s\n", e.ErrorKind, e.ErrorMessage)
	}
	fmt.Fprintf(&b, "Tokens:        %d in / %d out\n", e.TokensIn, e.TokensOut)
	fmt.Fprintf(&b, "Cost:          $%.4f\n", e.EstimatedCost)
	fmt.Fprintf(&b, "Latency:       %dms (%d retries)\n", e.LatencyMs, e.RetryCount)
	fmt.Fprintf(&b, "Cache hit:     %t\n", e.CacheHit)
	if len(e.Notes) > 0 {
		fmt.Fprintf(&b, "Notes:         %s\n", strings.Join(e.Notes, ", "))
	}
	fmt.Fprintf(&b, "Time:          %s\n", e.Timestamp.Format(time.RFC3339))
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %-10s %8s %12s %10s\n", "PROVIDER", "DAY", "OUTCOME", "COUNT", "TOKENS", "COST")
	b.WriteString(strings.Repeat("-", 77) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-12s %-10s %8d %12d %10s\n",
			dash(s.ProviderID), s.Day, s.Outcome, s.Count, s.Tokens, fmt.Sprintf("$%.4f", s.Cost))
	}
	return b.String()
}

func formatCacheStats(s models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entries:       %d\n", s.Entries)
	fmt.Fprintf(&b, "Size:          %d bytes\n", s.Bytes)
	fmt.Fprintf(&b, "Hits:          %d\n", s.Hits)
	fmt.Fprintf(&b, "Misses:        %d\n", s.Misses)
	fmt.Fprintf(&b, "Evictions:     %d\n", s.Evictions)
	if total := s.Hits + s.Misses; total > 0 {
		fmt.Fprintf(&b, "Hit rate:      %.1f%%\n", float64(s.Hits)/float64(total)*100)
	}
	return b.String()
}

func formatSessionTotals(totals []models.SessionTotals) string {
	if len(totals) == 0 {
		return "No session usage found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %10s %12s %12s %10s\n", "SESSION", "OPERATIONS", "TOKENS IN", "TOKENS OUT", "COST")
	b.WriteString(strings.Repeat("-", 86) + "\n")
	var ops int
	var in, out int64
	var cost float64
	for _, t := range totals {
		fmt.Fprintf(&b, "%-38s %10d %12d %12d %10s\n",
			t.SessionID, t.Operations, t.TokensIn, t.TokensOut, fmt.Sprintf("$%.4f", t.Cost))
		ops += t.Operations
		in += t.TokensIn
		out += t.TokensOut
		cost += t.Cost
	}
	if len(totals) > 1 {
		b.WriteString(strings.Repeat("-", 86) + "\n")
		fmt.Fprintf(&b, "%-38s %10d %12d %12d %10s\n", "TOTAL", ops, in, out, fmt.Sprintf("$%.4f", cost))
	}
	return b.String()
}

func formatProviders(descs []models.ProviderDescriptor) string {
	if len(descs) == 0 {
		return "No providers configured.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %-7s %8s %-8s %-12s %14s\n", "MODEL", "FAMILY", "PRIORITY", "OFFLINE", "STATUS", "$/1K IN/OUT")
	b.WriteString(strings.Repeat("-", 86) + "\n")
	for _, d := range descs {
		status := "active"
		switch {
		case d.Removed:
			status = "removed"
		case d.IsDeprecated:
			status = "deprecated"
		}
		fmt.Fprintf(&b, "%-32s %-7s %8d %-8t %-12s %14s\n",
			d.Key(), d.Family, d.Priority, d.IsOfflineCapable, status,
			fmt.Sprintf("%.4f/%.4f", d.Pricing.PromptCost, d.Pricing.CompletionCost))
	}
	return b.String()
}

func modelOf(e models.AuditEntry) string {
	if e.ProviderID == "" {
		return "-"
	}
	return models.DescriptorKey(e.ProviderID, e.ModelID)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatBudgetUsage(usage []models.SessionUsage) string {
	if len(usage) == 0 {
		return "No live budget usage.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %12s %10s %12s %10s %-20s\n", "SESSION", "TOKENS", "COST", "RESERVED", "RES. COST", "UPDATED")
	b.WriteString(strings.Repeat("-", 107) + "\n")
	for _, u := range usage {
		updated := "-"
		if !u.UpdatedAt.IsZero() {
			updated = u.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%-38s %12d %10s %12d %10s %-20s\n",
			u.SessionID, u.TokensUsed, fmt.Sprintf("$%.4f", u.CostUsed),
			u.TokensReserved, fmt.Sprintf("$%.4f", u.CostReserved), updated)
	}
	return b.String()
}
