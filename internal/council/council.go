// Package council implements the multi-account deliberation subsystem
// (supplemental — spec names the council_analyze/council_discussion/
// council_verify/council_history message types and
// COUNCIL_SESSION_*/COUNCIL_STAGE_*/COUNCIL_MEMBER_RESPONSE event
// topics without detailing the session model). A council session pins
// a task, fans out to N member accounts for an independent analyze
// pass, then runs one verify pass where members critique each other's
// analyses, before persisting the full transcript. Modeled as a fixed
// two-wave plan run by its own coordinator (it does not use
// internal/workflow); canonicalizes spec §9's
// stage_*/phase_* naming Open Question to stage_* throughout.
package council

import (
	"context"
	"fmt"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/store"
)

// MemberCaller dispatches a single deliberation prompt to a member
// account and returns its response text. Supplied by the daemon core
// (the provider adapter that actually talks to an agent process is out
// of scope, see SPEC_FULL.md Non-goals).
type MemberCaller func(ctx context.Context, member, taskID string, stage store.CouncilStage, context string) (string, error)

// Coordinator runs council sessions.
type Coordinator struct {
	accounts *account.Registry
	council  *store.CouncilStore
	bus      *eventbus.Bus
	call     MemberCaller
}

// New constructs a Coordinator.
func New(accounts *account.Registry, councilStore *store.CouncilStore, bus *eventbus.Bus, call MemberCaller) *Coordinator {
	return &Coordinator{accounts: accounts, council: councilStore, bus: bus, call: call}
}

// Run executes the full two-wave plan for taskID against members,
// returning the concluded session. Each wave fans out concurrently and
// the coordinator waits for every member to respond before advancing.
// Composed from Analyze and Verify, the two stages the router exposes
// independently as council_analyze and council_verify.
func (c *Coordinator) Run(ctx context.Context, taskID string, members []string) (store.CouncilSession, error) {
	sess, err := c.Analyze(ctx, taskID, members)
	if err != nil {
		return store.CouncilSession{}, err
	}
	return c.Verify(ctx, sess.ID)
}

// Analyze opens a new council session for taskID and runs its analyze
// wave, leaving the session running at StageAnalyze. A session stops
// here until a caller advances it with Verify or appends ad hoc notes
// with Discuss.
func (c *Coordinator) Analyze(ctx context.Context, taskID string, members []string) (store.CouncilSession, error) {
	if len(members) < 2 {
		return store.CouncilSession{}, herr.Validation("a council session needs at least 2 members")
	}
	for _, m := range members {
		if !c.accounts.ValidName(m) {
			return store.CouncilSession{}, herr.Validation("unknown council member %q", m)
		}
	}

	sess, err := c.council.CreateSession(ctx, taskID, members)
	if err != nil {
		return store.CouncilSession{}, herr.AsError(err)
	}
	c.bus.Publish(eventbus.TopicCouncilSessionStart, taskID, sess)

	if _, err := c.runStage(ctx, sess.ID, taskID, store.StageAnalyze, members, nil); err != nil {
		_ = c.council.Conclude(ctx, sess.ID, "failed")
		c.bus.Publish(eventbus.TopicCouncilSessionEnd, taskID, map[string]any{"session_id": sess.ID, "status": "failed"})
		return store.CouncilSession{}, err
	}
	return sess, nil
}

// Discuss records a free-text discussion note from member against a
// running session, outside the analyze/verify stage plan. Non-members
// and sessions that have already concluded are refused.
func (c *Coordinator) Discuss(ctx context.Context, sessionID, member, content string) (store.CouncilResponse, error) {
	sess, ok, err := c.council.GetSession(ctx, sessionID)
	if err != nil {
		return store.CouncilResponse{}, herr.AsError(err)
	}
	if !ok {
		return store.CouncilResponse{}, herr.NotFound("council session %s not found", sessionID)
	}
	if sess.Status != "running" {
		return store.CouncilResponse{}, herr.Validation("council session %s is not running", sessionID)
	}
	if !isMember(sess.Members, member) {
		return store.CouncilResponse{}, herr.Validation("%s is not a member of session %s", member, sessionID)
	}

	resp, err := c.council.RecordResponse(ctx, sessionID, store.StageDiscussion, member, content)
	if err != nil {
		return store.CouncilResponse{}, herr.AsError(err)
	}
	c.bus.Publish(eventbus.TopicCouncilMemberResp, sess.TaskID, map[string]any{
		"session_id": sessionID, "stage": string(store.StageDiscussion), "member": member,
	})
	return resp, nil
}

// Verify advances a running analyze-stage session to the verify wave,
// feeding each member the others' analyze-stage responses as context,
// then concludes the session.
func (c *Coordinator) Verify(ctx context.Context, sessionID string) (store.CouncilSession, error) {
	sess, ok, err := c.council.GetSession(ctx, sessionID)
	if err != nil {
		return store.CouncilSession{}, herr.AsError(err)
	}
	if !ok {
		return store.CouncilSession{}, herr.NotFound("council session %s not found", sessionID)
	}
	if sess.Status != "running" {
		return store.CouncilSession{}, herr.Validation("council session %s is not running", sessionID)
	}

	analyses, err := c.stageResponses(ctx, sessionID, store.StageAnalyze)
	if err != nil {
		return store.CouncilSession{}, herr.AsError(err)
	}

	if err := c.council.AdvanceStage(ctx, sess.ID, store.StageVerify); err != nil {
		return store.CouncilSession{}, herr.AsError(err)
	}
	if _, err := c.runStage(ctx, sess.ID, sess.TaskID, store.StageVerify, sess.Members, analyses); err != nil {
		_ = c.council.Conclude(ctx, sess.ID, "failed")
		c.bus.Publish(eventbus.TopicCouncilSessionEnd, sess.TaskID, map[string]any{"session_id": sess.ID, "status": "failed"})
		return store.CouncilSession{}, err
	}

	if err := c.council.Conclude(ctx, sess.ID, "completed"); err != nil {
		return store.CouncilSession{}, herr.AsError(err)
	}
	c.bus.Publish(eventbus.TopicCouncilSessionEnd, sess.TaskID, map[string]any{"session_id": sess.ID, "status": "completed"})

	final, ok, err := c.council.GetSession(ctx, sess.ID)
	if err != nil {
		return store.CouncilSession{}, herr.AsError(err)
	}
	if !ok {
		return store.CouncilSession{}, herr.Internal("council session %s vanished after conclude", sess.ID)
	}
	return final, nil
}

// stageResponses collects a session's recorded responses for one
// stage, keyed by member, for use as the next stage's prior context.
func (c *Coordinator) stageResponses(ctx context.Context, sessionID string, stage store.CouncilStage) (map[string]string, error) {
	history, err := c.council.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, r := range history {
		if r.Stage == stage {
			out[r.Member] = r.Content
		}
	}
	return out, nil
}

func isMember(members []string, name string) bool {
	for _, m := range members {
		if m == name {
			return true
		}
	}
	return false
}

// runStage fans out to every member concurrently for one stage,
// feeding prior-stage analyses as context during verify, and persists
// each response as it arrives.
func (c *Coordinator) runStage(ctx context.Context, sessionID, taskID string, stage store.CouncilStage, members []string, priorContext map[string]string) (map[string]string, error) {
	c.bus.Publish(eventbus.TopicCouncilStageStart, taskID, map[string]any{"session_id": sessionID, "stage": string(stage)})

	type result struct {
		member  string
		content string
		err     error
	}
	results := make(chan result, len(members))
	for _, member := range members {
		go func(member string) {
			ctxSummary := buildContext(member, priorContext)
			content, err := c.call(ctx, member, taskID, stage, ctxSummary)
			results <- result{member: member, content: content, err: err}
		}(member)
	}

	out := make(map[string]string, len(members))
	var firstErr error
	for range members {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("member %s failed in stage %s: %w", r.member, stage, r.err)
			}
			continue
		}
		if _, err := c.council.RecordResponse(ctx, sessionID, stage, r.member, r.content); err != nil {
			if firstErr == nil {
				firstErr = herr.AsError(err)
			}
			continue
		}
		out[r.member] = r.content
		c.bus.Publish(eventbus.TopicCouncilMemberResp, taskID, map[string]any{
			"session_id": sessionID, "stage": string(stage), "member": r.member,
		})
	}

	c.bus.Publish(eventbus.TopicCouncilStageEnd, taskID, map[string]any{"session_id": sessionID, "stage": string(stage)})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// buildContext renders every other member's prior-stage response as
// the context passed into the verify stage, so the critique is blind
// to a member's own analysis.
func buildContext(member string, prior map[string]string) string {
	if prior == nil {
		return ""
	}
	summary := ""
	for m, content := range prior {
		if m == member {
			continue
		}
		summary += fmt.Sprintf("--- %s ---\n%s\n", m, content)
	}
	return summary
}

// History returns a session's full transcript.
func (c *Coordinator) History(ctx context.Context, sessionID string) ([]store.CouncilResponse, error) {
	return c.council.History(ctx, sessionID)
}
