package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const responseShape = `Respond with a single JSON object:
{"narrative": string, "questions": [string], "proposals": [{"path": string, "action": "create"|"modify"|"delete", "newBody": string, "expectedFingerprint": string}], "fixups": [same as proposals], "references": [string], "followUps": [string]}`

var instructions = map[Kind]string{
	KindPreflight: "Decide whether the project description is specific enough to build. If it is ambiguous, list clarifying questions in \"questions\". Otherwise return an empty list.",
	KindGenerate:  "Generate the complete project as \"proposals\" with action \"create\". Put cross-file adjustments in \"fixups\" and list every path other files import in \"references\".",
	KindFix:       "Fix the listed security findings. Return \"modify\" proposals for the affected files, copying each file's fingerprint into \"expectedFingerprint\".",
	KindAgentTurn: "Apply the user's request to the project files provided. Return only the files you change as proposals with their fingerprint in \"expectedFingerprint\", a short \"narrative\" and optional \"followUps\".",
}

// BuildPrompt renders the instruction text and the JSON-encoded request.
func BuildPrompt(req Request) (string, error) {
	inst, ok := instructions[req.Kind]
	if !ok {
		return "", &PermanentError{Err: fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)}
	}
	in, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("encode request: %w", err)}
	}
	var b strings.Builder
	b.WriteString(inst)
	b.WriteString("\n\n")
	b.WriteString(responseShape)
	b.WriteString("\n\n[INPUT JSON]\n")
	b.Write(in)
	return b.String(), nil
}
