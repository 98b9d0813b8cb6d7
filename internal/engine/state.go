package engine

import (
	"encoding/json"

	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// replayedState is the reconstruction of a run's observable state from its
// lineage events (spec.md §4.3 point 1): the latest output per (step,
// module), folded into `state` per each module's declared
// outputs_to_state mapping, plus module-outputs keyed flat by module name
// (the `$module.<name>.*` resolver root).
type replayedState struct {
	State         map[string]interface{}
	ModuleOutputs map[string]map[string]interface{} // module name -> outputs
	StepOutputs   map[string]map[string]map[string]interface{} // step -> module -> outputs
	CompletedKeys map[string]bool                  // "step\x00module" seen
}

func newReplayedState() *replayedState {
	return &replayedState{
		State:         map[string]interface{}{},
		ModuleOutputs: map[string]map[string]interface{}{},
		StepOutputs:   map[string]map[string]map[string]interface{}{},
		CompletedKeys: map[string]bool{},
	}
}

// replay walks events oldest-first, applying output_stored events. Because
// events arrive in ascending event_id order and a map write simply
// overwrites, the result is automatically "latest by event_id wins" per
// (step, module) — spec.md §8's de-duplication testable property.
func replay(events []*store.Event) *replayedState {
	rs := newReplayedState()
	for _, e := range events {
		switch e.EventType {
		case store.EventOutputStored:
			applyOutputStored(rs, e)
		}
	}
	return rs
}

func applyOutputStored(rs *replayedState, e *store.Event) {
	outputs, _ := e.Data["outputs"].(map[string]interface{})
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	moduleName := e.ModuleName
	stepID := e.StepID

	rs.ModuleOutputs[moduleName] = outputs
	if rs.StepOutputs[stepID] == nil {
		rs.StepOutputs[stepID] = map[string]map[string]interface{}{}
	}
	rs.StepOutputs[stepID][moduleName] = outputs
	rs.CompletedKeys[stepID+"\x00"+moduleName] = true

	outputsToState, _ := e.Data["outputs_to_state"].(map[string]interface{})
	for outputKey, stateKeyRaw := range outputsToState {
		stateKey, ok := stateKeyRaw.(string)
		if !ok {
			continue
		}
		if v, ok := outputs[outputKey]; ok {
			rs.State[stateKey] = v
		}
	}
}

// pendingInteraction is the module awaiting a response, per spec.md §4.3's
// resume semantics: the last interaction_requested not followed by a
// matching interaction_response on the same lineage.
type pendingInteraction struct {
	StepID        string
	ModuleName    string
	InteractionID string
	Event         *store.Event
}

func findPendingInteraction(events []*store.Event) *pendingInteraction {
	var lastRequest *store.Event
	responded := map[string]bool{}

	for _, e := range events {
		switch e.EventType {
		case store.EventInteractionRequested:
			lastRequest = e
		case store.EventInteractionResponse:
			if id, ok := e.Data["interaction_id"].(string); ok {
				responded[id] = true
			}
		}
	}
	if lastRequest == nil {
		return nil
	}
	interactionID, _ := lastRequest.Data["interaction_id"].(string)
	if responded[interactionID] {
		return nil
	}
	return &pendingInteraction{
		StepID:        lastRequest.StepID,
		ModuleName:    lastRequest.ModuleName,
		InteractionID: interactionID,
		Event:         lastRequest,
	}
}

// decodeInteractionRequest recovers an *moduleiface.InteractionRequest from
// an event's Data["request"]. memstore keeps the live Go pointer (or value)
// a module produced; the Postgres store round-trips Data through JSONB and
// hands it back as a bare map[string]interface{}, so both shapes — and the
// struct value itself, in case a caller stored it unboxed — must decode.
func decodeInteractionRequest(data map[string]interface{}) *moduleiface.InteractionRequest {
	raw, ok := data["request"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case *moduleiface.InteractionRequest:
		return v
	case moduleiface.InteractionRequest:
		return &v
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var req moduleiface.InteractionRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil
	}
	return &req
}

// decodeInteractionResponse is decodeInteractionRequest's counterpart for
// an interaction_response event's Data["response"].
func decodeInteractionResponse(data map[string]interface{}) *moduleiface.InteractionResponse {
	raw, ok := data["response"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case *moduleiface.InteractionResponse:
		return v
	case moduleiface.InteractionResponse:
		return &v
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var resp moduleiface.InteractionResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil
	}
	return &resp
}

// completedPairs reconstructs every finished (request, response) pair for
// getInteractionHistory, in request order.
func completedPairs(events []*store.Event) []InteractionPair {
	type slot struct {
		req  *store.Event
		resp *store.Event
	}
	order := []string{}
	byID := map[string]*slot{}

	for _, e := range events {
		switch e.EventType {
		case store.EventInteractionRequested:
			id, _ := e.Data["interaction_id"].(string)
			if id == "" {
				continue
			}
			s, ok := byID[id]
			if !ok {
				s = &slot{}
				byID[id] = s
				order = append(order, id)
			}
			s.req = e
		case store.EventInteractionResponse:
			id, _ := e.Data["interaction_id"].(string)
			if id == "" {
				continue
			}
			if s, ok := byID[id]; ok {
				s.resp = e
			}
		}
	}

	var out []InteractionPair
	for _, id := range order {
		s := byID[id]
		if s == nil || s.req == nil || s.resp == nil {
			continue
		}
		pair := InteractionPair{
			InteractionID: id,
			RequestedAt:   s.req.Timestamp.Format(timeLayout),
			RespondedAt:   s.resp.Timestamp.Format(timeLayout),
		}
		if req := decodeInteractionRequest(s.req.Data); req != nil {
			pair.Request = *req
		}
		if resp := decodeInteractionResponse(s.resp.Data); resp != nil {
			pair.Response = *resp
		}
		out = append(out, pair)
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
