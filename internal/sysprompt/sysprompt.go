// Package sysprompt provides centralized system prompts and utilities for
// injecting system-level instructions into agent conversations.
//
// All system prompts are wrapped in <madrox-system> tags to mark them as
// system-injected content that can be stripped when displaying scrollback
// to a human operator.
package sysprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// System tag constants for marking system-injected content.
const (
	// TagStart marks the beginning of system-injected content.
	TagStart = "<madrox-system>"
	// TagEnd marks the end of system-injected content.
	TagEnd = "</madrox-system>"
)

// systemTagRegex matches <madrox-system>...</madrox-system> content including the tags.
var systemTagRegex = regexp.MustCompile(`<madrox-system>[\s\S]*?</madrox-system>\s*`)

// StripSystemContent removes all <madrox-system>...</madrox-system> blocks from text.
// Used to hide orchestrator-injected content from pane transcripts shown to a human.
func StripSystemContent(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// Wrap wraps content in <madrox-system> tags to mark it as system-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// BidirectionalProtocol is the addendum prepended to every instance's system
// prompt so the underlying CLI knows how to participate in the messaging
// broker instead of only producing a final answer and exiting.
const BidirectionalProtocol = `ORCHESTRATION PROTOCOL:
- You are running as orchestrator instance %s (role: %s) inside a managed terminal.
- Other instances, including your parent, may send you messages at any time. They
  arrive inline in this terminal prefixed with a tag of the form [MSG:<id>].
- When you want to reply to the sender of a message, or report a result back to
  your parent, call the reply_to_caller tool with the same <id> and your response
  text. Do not just print your answer and stop; call the tool.
- If you were spawned with a parent, your parent's instance id is %s. Use it as the
  target when you need to escalate or hand back a result unprompted.
- Waiting for tool approval or for the user to answer a question are both normal;
  an idle terminal does not mean your task is finished.`

// FormatBidirectionalProtocol fills in the addendum with the spawned instance's
// own id, its role, and its parent id ("none" when it has no parent).
func FormatBidirectionalProtocol(instanceID, role, parentID string) string {
	if parentID == "" {
		parentID = "none"
	}
	return fmt.Sprintf(BidirectionalProtocol, instanceID, role, parentID)
}

// InjectBidirectionalProtocol prepends the protocol addendum to a system prompt.
// The addendum is wrapped in <madrox-system> tags so it can be stripped later.
func InjectBidirectionalProtocol(instanceID, role, parentID, systemPrompt string) string {
	addendum := Wrap(FormatBidirectionalProtocol(instanceID, role, parentID))
	if strings.TrimSpace(systemPrompt) == "" {
		return addendum
	}
	return addendum + "\n\n" + systemPrompt
}

// InterpolatePlaceholders replaces placeholders in role prompt templates with
// actual values. Supported placeholders:
//   - {instance_id}  - the spawned instance's id
//   - {workspace}    - the instance's workspace directory
func InterpolatePlaceholders(template, instanceID, workspace string) string {
	result := template
	result = strings.ReplaceAll(result, "{instance_id}", instanceID)
	result = strings.ReplaceAll(result, "{workspace}", workspace)
	return result
}
