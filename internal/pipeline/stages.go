package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"codeforge/internal/filestore"
	"codeforge/internal/job"
	"codeforge/internal/llm"
	"codeforge/internal/patch"
	"codeforge/internal/security"
)

// outcome is what a stage handler reports. The orchestrator closes the
// stage's timeline step with result and moves the job to next.
type outcome struct {
	next        job.Status
	result      job.StepStatus
	description string
	chat        []string
	apply       func(*job.Job)
}

type stage struct {
	title string
	run   func(ctx context.Context, j job.Job) (outcome, error)
}

// stageTable maps each executable status to its handler. Adding a stage is
// one entry here plus the transition that leads to it.
func (o *Orchestrator) stageTable() map[job.Status]stage {
	return map[job.Status]stage{
		job.StatusPreflight:     {title: stageTitle(job.StatusPreflight), run: o.preflight},
		job.StatusGenerating:    {title: stageTitle(job.StatusGenerating), run: o.generate},
		job.StatusPatching:      {title: stageTitle(job.StatusPatching), run: o.patchFixups},
		job.StatusValidating:    {title: stageTitle(job.StatusValidating), run: o.validate},
		job.StatusSecurityCheck: {title: stageTitle(job.StatusSecurityCheck), run: o.securityCheck},
		job.StatusFixing:        {title: stageTitle(job.StatusFixing), run: o.fix},
		job.StatusSaving:        {title: stageTitle(job.StatusSaving), run: o.save},
	}
}

func stageTitle(s job.Status) string {
	switch s {
	case job.StatusQueued:
		return "Queued"
	case job.StatusPreflight:
		return "Reviewing the request"
	case job.StatusClarifying:
		return "Waiting for clarification"
	case job.StatusGenerating:
		return "Generating files"
	case job.StatusPatching:
		return "Applying cross-file fixes"
	case job.StatusValidating:
		return "Validating project structure"
	case job.StatusSecurityCheck:
		return "Running security checks"
	case job.StatusFixing:
		return "Fixing security findings"
	case job.StatusSaving:
		return "Saving project"
	default:
		return string(s)
	}
}

func (o *Orchestrator) preflight(ctx context.Context, j job.Job) (outcome, error) {
	res, err := o.gateway.Complete(ctx, llm.Request{
		Kind:        llm.KindPreflight,
		Prompt:      j.Prompt,
		ProjectType: j.ProjectType,
	})
	if err != nil {
		return outcome{}, err
	}
	var chat []string
	if res.Narrative != "" {
		chat = append(chat, res.Narrative)
	}
	questions := dedupe(res.Questions)
	if len(questions) == 0 {
		return outcome{
			next:        job.StatusGenerating,
			result:      job.StepSuccess,
			description: "Request is specific enough to build",
			chat:        chat,
		}, nil
	}
	now := o.now()
	chat = append(chat, "Before I start, please answer:\n- "+strings.Join(questions, "\n- "))
	return outcome{
		next:        job.StatusClarifying,
		result:      job.StepSuccess,
		description: fmt.Sprintf("%d clarification questions", len(questions)),
		chat:        chat,
		apply: func(j *job.Job) {
			j.Clarification = &job.Clarification{Questions: questions, AskedAt: now}
		},
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, j job.Job) (outcome, error) {
	req := llm.Request{
		Kind:        llm.KindGenerate,
		Prompt:      j.Prompt,
		ProjectType: j.ProjectType,
	}
	if j.Clarification != nil {
		req.Answers = j.Clarification.Answers
	}
	current, err := o.snapshot(ctx, j.ProjectID)
	if err != nil {
		return outcome{}, err
	}
	req.Files = o.fileContext(current, nil)

	res, err := o.gateway.Complete(ctx, req)
	if err != nil {
		return outcome{}, err
	}
	if len(res.Proposals) == 0 {
		return outcome{}, ErrNoProposals
	}

	applied := o.engine.Apply(ctx, o.files, j.ProjectID, patch.FillExpected(res.Proposals, fingerprints(current)))
	if len(applied.Applied) == 0 {
		return outcome{}, fmt.Errorf("%w: %s", ErrNothingApplied, describeRejections(applied.Rejected))
	}
	var chat []string
	if res.Narrative != "" {
		chat = append(chat, res.Narrative)
	}
	if len(applied.Rejected) > 0 {
		chat = append(chat, "Some files could not be written: "+describeRejections(applied.Rejected))
	}
	fixups := res.Fixups
	refs := dedupe(res.References)
	return outcome{
		next:        job.StatusPatching,
		result:      job.StepSuccess,
		description: fmt.Sprintf("Wrote %d of %d files", len(applied.Applied), len(res.Proposals)),
		chat:        chat,
		apply: func(j *job.Job) {
			j.Fixups = fixups
			j.References = refs
		},
	}, nil
}

func (o *Orchestrator) patchFixups(ctx context.Context, j job.Job) (outcome, error) {
	clearFixups := func(j *job.Job) { j.Fixups = nil }
	if len(j.Fixups) == 0 {
		return outcome{
			next:        job.StatusValidating,
			result:      job.StepSkipped,
			description: "No cross-file fixes proposed",
			apply:       clearFixups,
		}, nil
	}
	current, err := o.snapshot(ctx, j.ProjectID)
	if err != nil {
		return outcome{}, err
	}
	res := o.engine.Apply(ctx, o.files, j.ProjectID, patch.FillExpected(j.Fixups, fingerprints(current)))
	out := outcome{
		next:        job.StatusValidating,
		result:      job.StepSuccess,
		description: fmt.Sprintf("Applied %d of %d fixes", len(res.Applied), len(j.Fixups)),
		apply:       clearFixups,
	}
	if len(res.Rejected) > 0 {
		out.chat = append(out.chat, "Some fixes were rejected: "+describeRejections(res.Rejected))
	}
	return out, nil
}

func (o *Orchestrator) validate(ctx context.Context, j job.Job) (outcome, error) {
	files, err := o.files.List(ctx, j.ProjectID)
	if err != nil {
		return outcome{}, err
	}
	if len(files) == 0 {
		return outcome{}, ErrEmptyProject
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
	}
	var missing []string
	for _, ref := range j.References {
		p, err := filestore.NormalizePath(ref)
		if err != nil || !present[p] {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return outcome{}, fmt.Errorf("%w: %s", ErrDanglingRefs, strings.Join(missing, ", "))
	}
	return outcome{
		next:        job.StatusSecurityCheck,
		result:      job.StepSuccess,
		description: fmt.Sprintf("%d files, %d references resolved", len(files), len(j.References)),
	}, nil
}

func (o *Orchestrator) securityCheck(ctx context.Context, j job.Job) (outcome, error) {
	current, err := o.snapshot(ctx, j.ProjectID)
	if err != nil {
		return outcome{}, err
	}
	scanned, err := o.scanner.Scan(ctx, current)
	if err != nil {
		return outcome{}, err
	}
	open := make(map[string]bool)
	for _, f := range j.Findings {
		if !f.Fixed {
			open[f.Key()] = true
		}
	}
	var fresh []security.Finding
	for _, f := range scanned {
		if open[f.Key()] {
			continue
		}
		open[f.Key()] = true
		fresh = append(fresh, f)
	}

	all := append(append([]security.Finding(nil), j.Findings...), fresh...)
	blocking := security.Blocking(all)
	out := outcome{
		result:      job.StepSuccess,
		description: fmt.Sprintf("%d new findings, %d open", len(fresh), security.OpenCount(all)),
		apply: func(j *job.Job) {
			j.Findings = append(j.Findings, fresh...)
		},
	}
	switch {
	case len(blocking) == 0:
		out.next = job.StatusSaving
	case j.FixIterations < o.cfg.MaxFixIterations:
		out.next = job.StatusFixing
		out.chat = append(out.chat, fmt.Sprintf("Found %d high or medium severity issues. Attempting a fix.", len(blocking)))
	default:
		out.next = job.StatusSaving
		out.chat = append(out.chat, fmt.Sprintf("%d high or medium severity issues remain after %d fix attempts. They are listed in the findings.", len(blocking), j.FixIterations))
	}
	return out, nil
}

func (o *Orchestrator) fix(ctx context.Context, j job.Job) (outcome, error) {
	blocking := security.Blocking(j.Findings)
	affected := make(map[string]bool)
	var findings []llm.FindingContext
	for _, f := range blocking {
		affected[f.File] = true
		findings = append(findings, llm.FindingContext{
			RuleID:         f.RuleID,
			Severity:       string(f.Severity),
			File:           f.File,
			Line:           f.Line,
			Description:    f.Description,
			Recommendation: f.Recommendation,
		})
	}
	current, err := o.snapshot(ctx, j.ProjectID)
	if err != nil {
		return outcome{}, err
	}
	res, err := o.gateway.Complete(ctx, llm.Request{
		Kind:        llm.KindFix,
		Prompt:      j.Prompt,
		ProjectType: j.ProjectType,
		Findings:    findings,
		Files:       o.fileContext(current, affected),
	})
	if err != nil {
		return outcome{}, err
	}
	proposals := append(append([]patch.Proposal(nil), res.Proposals...), res.Fixups...)
	applied := o.engine.Apply(ctx, o.files, j.ProjectID, patch.FillExpected(proposals, fingerprints(current)))

	// Re-scan the patched files; a finding counts as fixed when its rule no
	// longer fires anywhere in its file.
	var patched []filestore.FileRecord
	patchedPaths := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, a := range applied.Applied {
		patchedPaths[a.Path] = true
		if a.Deleted {
			deleted[a.Path] = true
			continue
		}
		patched = append(patched, filestore.FileRecord{Path: a.Path, Body: a.Body, Fingerprint: a.Fingerprint, Size: a.Size})
	}
	rescan, err := o.scanner.Scan(ctx, patched)
	if err != nil {
		return outcome{}, err
	}
	still := make(map[string]bool)
	for _, f := range rescan {
		still[f.RuleID+"|"+f.File] = true
	}
	resolved := make(map[string]bool)
	for _, f := range blocking {
		if patchedPaths[f.File] && (deleted[f.File] || !still[f.RuleID+"|"+f.File]) {
			resolved[f.Key()] = true
		}
	}

	out := outcome{
		next:        job.StatusValidating,
		result:      job.StepSuccess,
		description: fmt.Sprintf("Patched %d files, resolved %d of %d findings", len(applied.Applied), len(resolved), len(blocking)),
		apply: func(j *job.Job) {
			for i := range j.Findings {
				if !j.Findings[i].Fixed && resolved[j.Findings[i].Key()] {
					j.Findings[i].Fixed = true
				}
			}
			j.FixIterations++
		},
	}
	if res.Narrative != "" {
		out.chat = append(out.chat, res.Narrative)
	}
	if len(applied.Rejected) > 0 {
		out.chat = append(out.chat, "Some fixes were rejected: "+describeRejections(applied.Rejected))
	}
	return out, nil
}

func (o *Orchestrator) save(ctx context.Context, j job.Job) (outcome, error) {
	if o.publisher == nil {
		return outcome{}, ErrNoPublisher
	}
	current, err := o.snapshot(ctx, j.ProjectID)
	if err != nil {
		return outcome{}, err
	}
	ref, err := o.publisher.Publish(ctx, j.ProjectID, j.ID, current)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		next:        job.StatusDone,
		result:      job.StepSuccess,
		description: fmt.Sprintf("Saved %d files", len(current)),
		chat:        []string{"Your project is ready."},
		apply: func(j *job.Job) {
			j.ResultRef = ref
		},
	}, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, projectID string) ([]filestore.FileRecord, error) {
	files, err := o.files.Snapshot(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("read project %s: %w", projectID, err)
	}
	return files, nil
}

// fileContext converts records to completion context, restricted to only
// when it is non-nil, and trimmed to the token budget.
func (o *Orchestrator) fileContext(files []filestore.FileRecord, only map[string]bool) []llm.FileContext {
	var out []llm.FileContext
	for _, f := range files {
		if only != nil && !only[f.Path] {
			continue
		}
		out = append(out, llm.FileContext{Path: f.Path, Body: string(f.Body), Fingerprint: f.Fingerprint})
	}
	kept, _ := llm.BudgetFiles(o.tokens, out, o.cfg.ContextTokens)
	return kept
}

func fingerprints(files []filestore.FileRecord) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Path] = f.Fingerprint
	}
	return out
}

func describeRejections(rejected []patch.Rejection) string {
	parts := make([]string, 0, len(rejected))
	for _, r := range rejected {
		parts = append(parts, fmt.Sprintf("%s (%s)", r.Path, r.Reason))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
