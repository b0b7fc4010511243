package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

// curatorDecisionPattern extracts the first brace-delimited JSON object from the model's
// reply, tolerating any surrounding prose.
var curatorDecisionPattern = regexp.MustCompile(`\{[^{}]*\}`)

// curatorDecision is the parsed shape of the curator's JSON verdict.
type curatorDecision struct {
	Action            string  `json:"action"`
	Reasoning         string  `json:"reasoning"`
	TargetID          *int64  `json:"target_id"`
	RevisedDefinition *string `json:"revised_definition"`
}

const (
	curatorActionConfirm = "confirm"
	curatorActionReject  = "reject"
	curatorActionMerge   = "merge"
	curatorActionRevise  = "revise"
)

// parseCuratorDecision extracts and parses the model's verdict, defaulting to CONFIRM on any
// parse failure, since a malformed verdict should never block the entry from standing. Uses
// gjson's field-at-a-time lookup rather than a strict unmarshal: the model can wrap the
// decision object in extra prose or leave it missing one field without losing the fields it
// did get right.
func parseCuratorDecision(content string) curatorDecision {
	match := curatorDecisionPattern.FindString(content)
	if match == "" || !gjson.Valid(match) {
		return curatorDecision{Action: curatorActionConfirm, Reasoning: "unparseable curator response, defaulting to confirm"}
	}
	parsed := gjson.Parse(match)
	d := curatorDecision{
		Action:    parsed.Get("action").String(),
		Reasoning: parsed.Get("reasoning").String(),
	}
	if tid := parsed.Get("target_id"); tid.Exists() && tid.Type == gjson.Number {
		v := tid.Int()
		d.TargetID = &v
	}
	if rd := parsed.Get("revised_definition"); rd.Exists() && rd.Type == gjson.String {
		v := rd.String()
		d.RevisedDefinition = &v
	}
	if d.Action == "" {
		d.Action = curatorActionConfirm
	}
	return d
}

// runCurator reviews every tentative entry first seen in threadID, applying each decision in
// turn. Evaluation failures are logged and leave the entry
// tentative rather than aborting the run — the curator pass is advisory, not load-bearing.
func (r *Runner) runCurator(ctx context.Context, threadID, postID int64) error {
	entries, err := r.glossary.GetTentativeByThread(threadID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		decision, err := r.evaluateEntry(ctx, entry)
		if err != nil {
			r.logger.Warn("curator evaluation for entry %d (%q) failed, leaving tentative: %v", entry.ID, entry.Term, err)
			continue
		}
		if err := r.applyCuratorDecision(entry, decision, postID, threadID); err != nil {
			return err
		}
		r.metrics.CuratorDecisions.WithLabelValues(decision.Action).Inc()
	}
	return nil
}

func (r *Runner) evaluateEntry(ctx context.Context, entry persistence.GlossaryEntry) (curatorDecision, error) {
	adjacent, err := r.reader.GetAdjacentPosts(entry.FirstSeenPostID, 3, 3)
	if err != nil {
		return curatorDecision{}, err
	}

	similar, err := r.glossary.Search(entry.Term, persistence.SearchOptions{Limit: 5})
	if err != nil {
		return curatorDecision{}, err
	}

	message := buildCuratorEvaluationMessage(entry, adjacent, similar)
	resp, err := r.llm.Chat(ctx, llmclient.ChatRequest{
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: CuratorSystemPrompt},
			{Role: llmclient.RoleUser, Content: message},
		},
		MaxTokens:   300,
		Temperature: 0.2,
	})
	if err != nil {
		return curatorDecision{}, err
	}
	return parseCuratorDecision(resp.Content), nil
}

func buildCuratorEvaluationMessage(entry persistence.GlossaryEntry, adjacent []corpus.StoryPost, similar []persistence.GlossaryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<entry id=\"%d\" term=%q status=%q>\n%s\n</entry>\n", entry.ID, entry.Term, entry.Status, entry.Definition)

	b.WriteString("<first_appearance>\n")
	for _, p := range adjacent {
		fmt.Fprintf(&b, "<post id=\"%d\">%s</post>\n", p.PostID, strings.TrimSpace(p.Body))
	}
	b.WriteString("</first_appearance>\n")

	b.WriteString("<similar_entries>\n")
	for _, s := range similar {
		if s.ID == entry.ID {
			continue
		}
		fmt.Fprintf(&b, "<entry id=\"%d\" term=%q>%s</entry>\n", s.ID, s.Term, s.Definition)
	}
	b.WriteString("</similar_entries>")
	return b.String()
}

// applyCuratorDecision applies one decision and records it as a standalone revision note.
func (r *Runner) applyCuratorDecision(entry persistence.GlossaryEntry, decision curatorDecision, postID, threadID int64) error {
	switch decision.Action {
	case curatorActionReject:
		reason := fmt.Sprintf("curator:reject - %s", decision.Reasoning)
		if _, err := r.glossary.Delete(entry.ID, reason, postID); err != nil {
			return err
		}
	case curatorActionMerge:
		if decision.TargetID == nil {
			if err := r.confirmEntry(entry, postID, threadID); err != nil {
				return err
			}
			break
		}
		target, err := r.glossary.Get(*decision.TargetID)
		if err != nil {
			return err
		}
		if target == nil {
			if err := r.confirmEntry(entry, postID, threadID); err != nil {
				return err
			}
			break
		}
		merged := fmt.Sprintf("%s\n\n[Merged from %s]: %s", target.Definition, entry.Term, entry.Definition)
		if err := r.glossary.Update(target.ID, persistence.EntryUpdate{Definition: &merged}, postID, threadID); err != nil {
			return err
		}
		if _, err := r.glossary.Delete(entry.ID, fmt.Sprintf("curator:merge into %d", target.ID), postID); err != nil {
			return err
		}
	case curatorActionRevise:
		if decision.RevisedDefinition == nil {
			if err := r.confirmEntry(entry, postID, threadID); err != nil {
				return err
			}
			break
		}
		confirmed := persistence.EntryStatusConfirmed
		if err := r.glossary.Update(entry.ID, persistence.EntryUpdate{
			Definition: decision.RevisedDefinition, Status: &confirmed,
		}, postID, threadID); err != nil {
			return err
		}
	default: // curatorActionConfirm and any unrecognized action.
		if err := r.confirmEntry(entry, postID, threadID); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"entry_id": entry.ID, "action": decision.Action, "reasoning": decision.Reasoning,
		"target_id": decision.TargetID, "revised_definition": decision.RevisedDefinition,
	})
	return r.glossary.LogNote(persistence.FieldCuratorDecision, string(payload), postID)
}

func (r *Runner) confirmEntry(entry persistence.GlossaryEntry, postID, threadID int64) error {
	confirmed := persistence.EntryStatusConfirmed
	return r.glossary.Update(entry.ID, persistence.EntryUpdate{Status: &confirmed}, postID, threadID)
}
