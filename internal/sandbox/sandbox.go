// Package sandbox implements the virtual execution preview of spec.md
// §4.6: a stateless, isolated run of a workflow up to a target boundary,
// with the entire storage namespace serialized into an opaque blob the
// caller carries between calls instead of anything being persisted
// server-side.
//
// Grounded on original_source's db/virtual.py almost verbatim in semantics
// (gzip+base64 JSON blob of every collection, import/export of all rows),
// re-expressed over internal/store/memstore instead of a second physical
// database namespace: an isolated in-process store gives the same
// "two concurrent virtual calls cannot observe each other" guarantee
// without provisioning infrastructure per call.
package sandbox

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/engine"
	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
	"github.com/lyzr/workflow-orchestrator/internal/versionstore"
)

// MaxBlobBytes bounds the decompressed blob size accepted by Import, a
// denial-of-service guard against a caller submitting an adversarially
// large virtual_db; 0 means unbounded.
var MaxBlobBytes = 16 * 1024 * 1024

// Sandbox builds fresh, isolated engines for virtual calls. authDB is the
// *real* store, consulted only for user identity and template scoping
// (spec.md §4.6: "Authentication and the user identity... come from the
// real user store; only workflow-run data is isolated").
type Sandbox struct {
	authDB   store.Store
	registry *moduleiface.Registry
	addonPipe *addons.Pipeline
	celEnv   *cel.Env
}

// New builds a Sandbox.
func New(authDB store.Store, registry *moduleiface.Registry, addonPipe *addons.Pipeline, celEnv *cel.Env) *Sandbox {
	return &Sandbox{authDB: authDB, registry: registry, addonPipe: addonPipe, celEnv: celEnv}
}

// VirtualResponse pairs an ordinary engine response with the opaque blob
// representing the virtual namespace's full state after the call.
type VirtualResponse struct {
	*engine.WorkflowResponse
	VirtualDB string `json:"virtual_db"`
}

// StartVirtual creates a fresh isolated namespace (importing virtualDB into
// it first if non-empty), stores workflow as a version, starts a run, and
// executes up to target (or to completion/suspension if target is nil).
func (s *Sandbox) StartVirtual(ctx context.Context, userID string, workflow map[string]interface{}, virtualDB string, target *engine.ExecutionTarget, mock bool) (*VirtualResponse, error) {
	ns := memstore.New()
	if virtualDB != "" {
		if err := importBlob(ctx, ns, virtualDB); err != nil {
			return nil, err
		}
	}

	eng := engine.New(ns, s.registry, s.addonPipe, s.celEnv, nil)
	vs := versionstore.New(ns)

	// User identity comes from the real store (spec.md §4.6: "Authentication
	// and the user identity used for template scoping come from the real
	// user store"); the template/version rows it scopes live only in the
	// isolated namespace, since a virtual call never touches durable
	// storage.
	user, err := s.authDB.GetOrCreateUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecutionBoundary, "resolve user", err)
	}
	tmpl, err := vs.GetOrCreateTemplate(ctx, user.UserID, "virtual")
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "seed virtual template", err)
	}

	version, _, err := vs.GetOrCreateVersion(ctx, tmpl.TemplateID, store.SourceJSON, workflow)
	if err != nil {
		return nil, err
	}

	resp, err := eng.StartWorkflowByVersion(ctx, userID, version.VersionID, target, mock)
	if err != nil {
		return nil, err
	}

	blob, err := exportBlob(ctx, ns)
	if err != nil {
		return nil, err
	}
	return &VirtualResponse{WorkflowResponse: resp, VirtualDB: blob}, nil
}

// RespondVirtual imports virtualDB, optionally re-registers an updated
// workflow document under the same content-hash machinery the real engine
// uses, appends the interaction response, resumes the run, and returns a
// fresh blob.
func (s *Sandbox) RespondVirtual(ctx context.Context, userID, virtualDB, runID, interactionID string, response moduleiface.InteractionResponse, updatedWorkflow map[string]interface{}, target *engine.ExecutionTarget, mock bool) (*VirtualResponse, error) {
	if virtualDB == "" {
		return nil, errors.New(errors.KindValidation, "virtual_db is required to resume a virtual run")
	}
	ns := memstore.New()
	if err := importBlob(ctx, ns, virtualDB); err != nil {
		return nil, err
	}

	eng := engine.New(ns, s.registry, s.addonPipe, s.celEnv, nil)

	resp, err := eng.Respond(ctx, runID, interactionID, response, updatedWorkflow, target, mock)
	if err != nil {
		return nil, err
	}

	blob, err := exportBlob(ctx, ns)
	if err != nil {
		return nil, err
	}
	return &VirtualResponse{WorkflowResponse: resp, VirtualDB: blob}, nil
}

// exportBlob serializes every collection in ns into the gzipped, base64
// opaque blob handed back to the caller (spec.md §4.6 "State round-trip").
func exportBlob(ctx context.Context, ns store.Store) (string, error) {
	collections, err := ns.Snapshot(ctx)
	if err != nil {
		return "", errors.Wrap(errors.KindFatal, "snapshot virtual namespace", err)
	}
	raw, err := json.Marshal(collections)
	if err != nil {
		return "", errors.Wrap(errors.KindFatal, "marshal virtual namespace", err)
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(raw); err != nil {
		return "", errors.Wrap(errors.KindFatal, "compress virtual namespace", err)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(errors.KindFatal, "compress virtual namespace", err)
	}

	return base64.StdEncoding.EncodeToString(gz.Bytes()), nil
}

// importBlob reverses exportBlob and loads the result into ns.
func importBlob(ctx context.Context, ns store.Store, blob string) error {
	compressed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return errors.Wrap(errors.KindValidation, "decode virtual_db base64", err)
	}

	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return errors.Wrap(errors.KindValidation, "decompress virtual_db", err)
	}
	defer r.Close()

	var limited io.Reader = r
	if MaxBlobBytes > 0 {
		limited = io.LimitReader(r, int64(MaxBlobBytes)+1)
	}
	raw, err := io.ReadAll(limited)
	if err != nil {
		return errors.Wrap(errors.KindValidation, "read decompressed virtual_db", err)
	}
	if MaxBlobBytes > 0 && len(raw) > MaxBlobBytes {
		return errors.New(errors.KindValidation, "virtual_db exceeds maximum allowed size")
	}

	var collections map[string][]map[string]interface{}
	if err := json.Unmarshal(raw, &collections); err != nil {
		return errors.Wrap(errors.KindValidation, "unmarshal virtual_db", err)
	}

	if err := ns.Import(ctx, collections); err != nil {
		return errors.Wrap(errors.KindFatal, "import virtual namespace", err)
	}
	return nil
}
