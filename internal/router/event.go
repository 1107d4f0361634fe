package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// Event is a triggering event.
type Event struct {
	// Name is the event name, e.g. push or pull_request.
	Name string

	// Action is the activity type (opened, synchronize, ...). Optional.
	Action string

	// Ref is the full git ref, e.g. refs/heads/main or refs/tags/v1.0.
	Ref string

	SHA string

	// BaseRef and HeadRef are the target and source branches of a pull request.
	BaseRef string
	HeadRef string

	// ChangedFiles lists the paths touched by the event. Nil means unknown,
	// which disables path filters.
	ChangedFiles []string

	// Inputs are workflow_dispatch inputs.
	Inputs map[string]string

	Repository string
	Actor      string

	// Payload is the raw event body exposed as github.event.
	Payload map[string]any
}

// Branch returns the branch name for refs/heads/ refs.
func (e Event) Branch() (string, bool) {
	return strings.CutPrefix(e.Ref, "refs/heads/")
}

// Tag returns the tag name for refs/tags/ refs.
func (e Event) Tag() (string, bool) {
	return strings.CutPrefix(e.Ref, "refs/tags/")
}

// RefName returns the short ref name and its type ("branch" or "tag").
func (e Event) RefName() (name, refType string) {
	if tag, ok := e.Tag(); ok {
		return tag, "tag"
	}
	if branch, ok := e.Branch(); ok {
		return branch, "branch"
	}
	return e.Ref, ""
}

// Context returns the event part of the github expression scope.
func (e Event) Context() map[string]any {
	refName, refType := e.RefName()
	payload := e.Payload
	if payload == nil {
		payload = e.syntheticPayload()
	}
	inputs := make(map[string]any, len(e.Inputs))
	for k, v := range e.Inputs {
		inputs[k] = v
	}
	return map[string]any{
		"event_name": e.Name,
		"event":      payload,
		"ref":        e.Ref,
		"ref_name":   refName,
		"ref_type":   refType,
		"sha":        e.SHA,
		"base_ref":   e.BaseRef,
		"head_ref":   e.HeadRef,
		"repository": e.Repository,
		"actor":      e.Actor,
		"inputs":     inputs,
	}
}

// syntheticPayload builds a minimal event body from the flat fields so that
// common expressions such as github.event.pull_request.base.ref resolve.
func (e Event) syntheticPayload() map[string]any {
	payload := map[string]any{"ref": e.Ref}
	if e.Action != "" {
		payload["action"] = e.Action
	}
	switch e.Name {
	case "push":
		payload["after"] = e.SHA
		payload["head_commit"] = map[string]any{"id": e.SHA, "message": ""}
	case "pull_request", "pull_request_target":
		payload["pull_request"] = map[string]any{
			"base": map[string]any{"ref": e.BaseRef},
			"head": map[string]any{"ref": e.HeadRef, "sha": e.SHA},
		}
	case "workflow_dispatch":
		inputs := make(map[string]any, len(e.Inputs))
		for k, v := range e.Inputs {
			inputs[k] = v
		}
		payload["inputs"] = inputs
	}
	return payload
}

// LoadPayload reads an event payload file. Comments and trailing commas are
// accepted.
func LoadPayload(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event payload: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse event payload %s: %w", path, err)
	}
	return payload, nil
}

// ApplyPayload fills empty event fields from the payload: ref, action, the
// pull request base/head refs and the head sha.
func (e *Event) ApplyPayload(payload map[string]any) {
	e.Payload = payload
	if e.Ref == "" {
		e.Ref = stringAt(payload, "ref")
	}
	if e.Action == "" {
		e.Action = stringAt(payload, "action")
	}
	if e.SHA == "" {
		e.SHA = stringAt(payload, "after")
	}
	if e.BaseRef == "" {
		e.BaseRef = stringAt(payload, "pull_request", "base", "ref")
	}
	if e.HeadRef == "" {
		e.HeadRef = stringAt(payload, "pull_request", "head", "ref")
	}
	if e.SHA == "" {
		e.SHA = stringAt(payload, "pull_request", "head", "sha")
	}
	if e.Repository == "" {
		e.Repository = stringAt(payload, "repository", "full_name")
	}
	if e.Actor == "" {
		e.Actor = stringAt(payload, "sender", "login")
	}
}

func stringAt(m map[string]any, path ...string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[key]
	}
	s, _ := cur.(string)
	return s
}
