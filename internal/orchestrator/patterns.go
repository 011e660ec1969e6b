package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// PARALLEL
// =============================================================================

// runParallel dispatches the same input to all agents and synthesizes by
// concatenation (or the caller's reducer). Success needs min-success
// outputs; the default is all of them.
func (o *Orchestrator) runParallel(ctx context.Context, exec *Execution, req Request) error {
	outs := o.fanOut(ctx, exec, req.AgentIDs, func(string) string { return req.Input }, nil, req.Options.Invoke)
	exec.Outputs = outs

	succeeded := 0
	for _, out := range outs {
		if out.Err == nil {
			succeeded++
		}
	}
	minSuccess := req.Options.MinSuccess
	if minSuccess <= 0 || minSuccess > len(outs) {
		minSuccess = len(outs)
	}
	exec.Success = succeeded >= minSuccess

	if req.Options.Reduce != nil {
		exec.Result = req.Options.Reduce(outs)
		return nil
	}
	exec.Result = concatOutputs(outs)
	return nil
}

func concatOutputs(outs []AgentOutput) string {
	var b strings.Builder
	for _, out := range outs {
		if out.Err != nil {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", out.AgentID, out.Output)
	}
	return strings.TrimSpace(b.String())
}

// =============================================================================
// CONSENSUS
// =============================================================================

const defaultConsensusThreshold = 0.7

// runConsensus collects one vote per agent, aggregates support for the
// leading decision, and on a miss reruns the disagreeing agents once with
// the opponents' rationales. A second miss is a deadlock.
func (o *Orchestrator) runConsensus(ctx context.Context, exec *Execution, req Request) error {
	threshold := req.Options.Threshold
	if threshold <= 0 {
		threshold = defaultConsensusThreshold
	}
	if req.Options.Aggregation == AggregateUnanimous {
		threshold = 1.0
	}

	prompt := req.Input + "\n\nState your decision on the first line, then your rationale."
	outs := o.fanOut(ctx, exec, req.AgentIDs, func(string) string { return prompt }, nil, req.Options.Invoke)

	votes := make(map[string]vote, len(outs)) // agent id -> vote
	for _, out := range outs {
		if out.Err != nil {
			continue
		}
		decision, rationale := parseVote(out.Output)
		votes[out.AgentID] = vote{decision: decision, rationale: rationale}
	}
	if len(votes) == 0 {
		return fmt.Errorf("consensus: no agent produced a vote")
	}

	leader, support := tally(votes, req.Options.Weights, req.Options.Aggregation)
	if support < threshold {
		// Rerun the disagreeing agents once with the leading rationales.
		leadRationales := rationalesFor(votes, leader)
		var dissenters []string
		for _, id := range req.AgentIDs {
			if v, ok := votes[id]; ok && v.decision != leader {
				dissenters = append(dissenters, id)
			}
		}
		rerunPrompt := prompt + "\n\nOther agents decided " + leader + " for these reasons:\n" + leadRationales +
			"\nReconsider and state your final decision on the first line."
		rerun := o.fanOut(ctx, exec, dissenters, func(string) string { return rerunPrompt }, nil, req.Options.Invoke)
		for _, out := range rerun {
			if out.Err != nil {
				continue
			}
			decision, rationale := parseVote(out.Output)
			votes[out.AgentID] = vote{decision: decision, rationale: rationale}
		}
		outs = append(outs, rerun...)
		leader, support = tally(votes, req.Options.Weights, req.Options.Aggregation)
	}

	exec.Outputs = outs
	exec.Decision = leader
	if support >= threshold {
		exec.Success = true
		exec.Result = fmt.Sprintf("Consensus: %s (support %.0f%%)\n\n%s", leader, support*100, rationalesFor(votes, leader))
		return nil
	}
	exec.Deadlock = true
	exec.Result = fmt.Sprintf("Deadlock: leading decision %s at %.0f%% support, below the %.0f%% threshold", leader, support*100, threshold*100)
	return nil
}

type vote struct {
	decision  string
	rationale string
}

func parseVote(output string) (decision, rationale string) {
	text := strings.TrimSpace(output)
	line, rest, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	for _, prefix := range []string{"decision:", "vote:"} {
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			line = strings.TrimSpace(line[len(prefix):])
		}
	}
	return line, strings.TrimSpace(rest)
}

// tally returns the leading decision and its support fraction.
func tally(votes map[string]vote, weights map[string]float64, agg Aggregation) (leader string, support float64) {
	byDecision := make(map[string]float64)
	var total float64
	for id, v := range votes {
		w := 1.0
		if agg == AggregateWeighted {
			if pw, ok := weights[id]; ok && pw > 0 {
				w = pw
			}
		}
		byDecision[v.decision] += w
		total += w
	}

	decisions := make([]string, 0, len(byDecision))
	for d := range byDecision {
		decisions = append(decisions, d)
	}
	// Deterministic leader on equal support.
	sort.Strings(decisions)
	for _, d := range decisions {
		if byDecision[d] > byDecision[leader] || leader == "" {
			leader = d
		}
	}
	if total == 0 {
		return leader, 0
	}
	return leader, byDecision[leader] / total
}

func rationalesFor(votes map[string]vote, decision string) string {
	ids := make([]string, 0, len(votes))
	for id, v := range votes {
		if v.decision == decision && v.rationale != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, votes[id].rationale)
	}
	return b.String()
}

// =============================================================================
// DEBATE
// =============================================================================

const defaultRounds = 3

// convergedMarker in a synthesizer response ends the debate early.
const convergedMarker = "CONVERGED"

// runDebate: the first agent proposes, the others critique in parallel each
// round, and the synthesizer folds critiques into a refined proposal until
// the round budget runs out or it reports convergence.
func (o *Orchestrator) runDebate(ctx context.Context, exec *Execution, req Request) error {
	rounds := req.Options.Rounds
	if rounds <= 0 {
		rounds = defaultRounds
	}
	synthesizer := req.Options.Synthesizer
	if synthesizer == "" {
		synthesizer = req.AgentIDs[0]
	}
	var critics []string
	for _, id := range req.AgentIDs {
		if id != synthesizer {
			critics = append(critics, id)
		}
	}

	res, err := o.invoke(ctx, exec, synthesizer,
		req.Input+"\n\nProduce an initial proposal.", nil, req.Options.Invoke)
	if err != nil {
		return fmt.Errorf("debate: initial proposal: %w", err)
	}
	proposal := res.OutputText
	exec.Outputs = append(exec.Outputs, AgentOutput{AgentID: synthesizer, Output: proposal, Usage: res.Usage})

	for round := 2; round <= rounds && len(critics) > 0; round++ {
		critiquePrompt := fmt.Sprintf("%s\n\nCurrent proposal:\n%s\n\nCritique this proposal. Point out flaws and concrete improvements.", req.Input, proposal)
		critiques := o.fanOut(ctx, exec, critics, func(string) string { return critiquePrompt }, nil, req.Options.Invoke)
		exec.Outputs = append(exec.Outputs, critiques...)

		refinePrompt := fmt.Sprintf("%s\n\nYour proposal:\n%s\n\nCritiques:\n%s\nRefine the proposal, stating for each critique whether you incorporate or reject it and why. If no change is needed, reply with %s and the final proposal.",
			req.Input, proposal, concatOutputs(critiques), convergedMarker)
		res, err := o.invoke(ctx, exec, synthesizer, refinePrompt, nil, req.Options.Invoke)
		if err != nil {
			return fmt.Errorf("debate: round %d synthesis: %w", round, err)
		}
		proposal = res.OutputText
		exec.Outputs = append(exec.Outputs, AgentOutput{AgentID: synthesizer, Output: proposal, Usage: res.Usage})

		if strings.Contains(proposal, convergedMarker) {
			exec.Converged = true
			proposal = strings.TrimSpace(strings.ReplaceAll(proposal, convergedMarker, ""))
			break
		}
	}

	exec.Success = true
	exec.Result = proposal
	return nil
}

// =============================================================================
// REVIEW
// =============================================================================

const approveMarker = "APPROVE"

// runReview: the first agent creates, the rest review in parallel, and the
// creator revises until enough reviewers approve or the rounds run out.
func (o *Orchestrator) runReview(ctx context.Context, exec *Execution, req Request) error {
	if len(req.AgentIDs) < 2 {
		return fmt.Errorf("review needs a creator and at least one reviewer")
	}
	rounds := req.Options.Rounds
	if rounds <= 0 {
		rounds = defaultRounds
	}
	creator := req.AgentIDs[0]
	reviewers := req.AgentIDs[1:]
	minApprovals := req.Options.MinApprovals
	if minApprovals <= 0 || minApprovals > len(reviewers) {
		minApprovals = len(reviewers)
	}

	res, err := o.invoke(ctx, exec, creator, req.Input+"\n\nProduce the artifact.", nil, req.Options.Invoke)
	if err != nil {
		return fmt.Errorf("review: creation: %w", err)
	}
	artifact := res.OutputText
	exec.Outputs = append(exec.Outputs, AgentOutput{AgentID: creator, Output: artifact, Usage: res.Usage})

	for round := 1; round <= rounds; round++ {
		reviewPrompt := fmt.Sprintf("%s\n\nArtifact under review:\n%s\n\nIf acceptable, reply %s on the first line. Otherwise list required changes.", req.Input, artifact, approveMarker)
		reviews := o.fanOut(ctx, exec, reviewers, func(string) string { return reviewPrompt }, nil, req.Options.Invoke)
		exec.Outputs = append(exec.Outputs, reviews...)

		approvals := 0
		var changeRequests []AgentOutput
		for _, r := range reviews {
			if r.Err != nil {
				continue
			}
			if isApproval(r.Output) {
				approvals++
			} else {
				changeRequests = append(changeRequests, r)
			}
		}
		if approvals >= minApprovals {
			exec.Approved = true
			exec.Success = true
			exec.Result = artifact
			return nil
		}
		if round == rounds {
			break
		}

		revisePrompt := fmt.Sprintf("%s\n\nYour artifact:\n%s\n\nReviewer change requests:\n%s\nRevise the artifact to address them.",
			req.Input, artifact, concatOutputs(changeRequests))
		res, err := o.invoke(ctx, exec, creator, revisePrompt, nil, req.Options.Invoke)
		if err != nil {
			return fmt.Errorf("review: round %d revision: %w", round, err)
		}
		artifact = res.OutputText
		exec.Outputs = append(exec.Outputs, AgentOutput{AgentID: creator, Output: artifact, Usage: res.Usage})
	}

	exec.Result = artifact
	exec.Success = false
	return nil
}

func isApproval(output string) bool {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	return strings.Contains(strings.ToUpper(line), approveMarker)
}

// =============================================================================
// ENSEMBLE
// =============================================================================

// runEnsemble sends the same input to all agents and selects one output:
// best-of by a scoring callback, merge by concatenation, or vote by
// majority on the first-line decision. Alternatives ride along.
func (o *Orchestrator) runEnsemble(ctx context.Context, exec *Execution, req Request) error {
	outs := o.fanOut(ctx, exec, req.AgentIDs, func(string) string { return req.Input }, nil, req.Options.Invoke)
	exec.Outputs = outs

	var candidates []AgentOutput
	for _, out := range outs {
		if out.Err == nil {
			candidates = append(candidates, out)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("ensemble: no agent produced an output")
	}

	mode := req.Options.Select
	if mode == "" {
		mode = SelectBestOf
	}
	switch mode {
	case SelectMerge:
		exec.Result = concatOutputs(candidates)
	case SelectVote:
		votes := make(map[string]vote, len(candidates))
		for _, c := range candidates {
			decision, rationale := parseVote(c.Output)
			votes[c.AgentID] = vote{decision: decision, rationale: rationale}
		}
		winner, _ := tally(votes, nil, AggregateMajority)
		exec.Decision = winner
		for _, c := range candidates {
			if d, _ := parseVote(c.Output); d == winner {
				exec.Result = c.Output
				break
			}
		}
	default: // best-of
		score := req.Options.Score
		if score == nil {
			score = substanceScore
		}
		best := candidates[0]
		bestScore := score(best.Output)
		for _, c := range candidates[1:] {
			if s := score(c.Output); s > bestScore {
				best, bestScore = c, s
			}
		}
		exec.Result = best.Output
	}

	for _, c := range candidates {
		if c.Output != exec.Result {
			exec.Alternatives = append(exec.Alternatives, c.Output)
		}
	}
	exec.Success = true
	return nil
}

// substanceScore is the default best-of heuristic: longer, more structured
// outputs win.
func substanceScore(output string) float64 {
	lines := strings.Count(output, "\n") + 1
	return float64(len(output)) + float64(lines)*20
}
