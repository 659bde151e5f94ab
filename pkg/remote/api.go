package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beam-cloud/orchfs/pkg/types"
)

var (
	definitionListFields = []string{"id", "name", "createdAt", "updatedAt", "tags", "signed", "status", "definition"}
	workflowListFields   = append(append([]string{}, definitionListFields...), "readme", "ui")
	templateListFields   = []string{"id", "name", "createdAt", "updatedAt", "tags", "signed", "data"}
	executionFields      = []string{"id", "workflowName", "status", "startedAt", "closedAt", "input", "output", "tasks"}
)

// templateBodyField holds the Jinja source inside a template document.
const templateBodyField = "data"

// Summary is one resource as returned by list, create and update calls.
type Summary struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Tags       []string        `json:"tags,omitempty"`
	Signed     bool            `json:"signed"`
	Status     string          `json:"status,omitempty"`
	Definition *string         `json:"definition,omitempty"`
	Readme     *string         `json:"readme,omitempty"`
	UI         json.RawMessage `json:"ui,omitempty"`
	Data       *string         `json:"data,omitempty"`
}

// ValidationResult is the answer of the validate endpoints.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// TemplateDocument is the full remote template record. The Jinja body is
// one field among server-owned metadata, so updates splice the body into the
// latest fetched document.
type TemplateDocument map[string]any

func (d TemplateDocument) ID() string {
	s, _ := d["id"].(string)
	return s
}

func (d TemplateDocument) Name() string {
	s, _ := d["name"].(string)
	return s
}

func (d TemplateDocument) Body() string {
	s, _ := d[templateBodyField].(string)
	return s
}

// With returns a copy with the given body and name. An empty name keeps the current one.
func (d TemplateDocument) With(name, body string) TemplateDocument {
	out := make(TemplateDocument, len(d)+2)
	for k, v := range d {
		out[k] = v
	}
	out[templateBodyField] = body
	if name != "" {
		out["name"] = name
	}
	return out
}

// ExecutionRequest starts a workflow run.
type ExecutionRequest struct {
	WorkflowName string          `json:"workflowName"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// Execution is a workflow run.
type Execution struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflowName"`
	Status       string          `json:"status"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Tasks        []TaskRef       `json:"tasks,omitempty"`
}

type TaskRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// TaskExecution is the detail of one task of a run.
type TaskExecution struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// API wraps every endpoint used by orchfs with typed requests and results.
// Non-ok answers become *types.RemoteError.
type API struct {
	client *Client
}

func NewAPI(c *Client) *API {
	return &API{client: c}
}

func (a *API) Client() *Client {
	return a.client
}

func collectionPath(kind types.ResourceKind) (string, error) {
	switch kind {
	case types.KindWorkflow:
		return "/workflow", nil
	case types.KindAction:
		return "/action", nil
	case types.KindTemplate:
		return "/jinja-template", nil
	}
	return "", fmt.Errorf("no remote collection for %s", kind)
}

func (a *API) call(ctx context.Context, op, method, endpoint string, query url.Values, body []byte) (*Response, error) {
	resp, err := a.client.Call(ctx, Request{
		Op:       op,
		Method:   method,
		Endpoint: endpoint,
		Query:    query,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(op); err != nil {
		return nil, err
	}
	return resp, nil
}

func decode[T any](resp *Response, op string) (T, error) {
	var out T
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return out, nil
}

func fields(f []string) url.Values {
	return url.Values{"fields": []string{strings.Join(f, ",")}}
}

// List returns every resource of a workflow, action or template collection.
func (a *API) List(ctx context.Context, kind types.ResourceKind) ([]Summary, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	f := definitionListFields
	switch kind {
	case types.KindWorkflow:
		f = workflowListFields
	case types.KindTemplate:
		f = templateListFields
	}

	op := string(kind) + ".list"
	resp, err := a.call(ctx, op, http.MethodGet, path, fields(f), nil)
	if err != nil {
		return nil, err
	}
	return decode[[]Summary](resp, op)
}

// Validate checks a definition. A rejected definition returns *types.ValidationError.
func (a *API) Validate(ctx context.Context, kind types.ResourceKind, name string, body []byte) error {
	path, err := collectionPath(kind)
	if err != nil {
		return err
	}
	if kind == types.KindTemplate {
		body, err = json.Marshal(TemplateDocument{"name": name, templateBodyField: string(body)})
		if err != nil {
			return err
		}
	}

	op := string(kind) + ".validate"
	resp, err := a.client.Call(ctx, Request{Op: op, Method: http.MethodPost, Endpoint: path + "/validate", Body: body})
	if err != nil {
		return err
	}

	var result ValidationResult
	decodeErr := json.Unmarshal(resp.Body, &result)
	switch {
	case resp.OK() && decodeErr == nil && result.Valid:
		return nil
	case resp.OK() && decodeErr != nil:
		return fmt.Errorf("%s: decode response: %w", op, decodeErr)
	case resp.OK(), resp.Status == http.StatusBadRequest && decodeErr == nil,
		resp.Status == http.StatusUnprocessableEntity && decodeErr == nil:
		return &types.ValidationError{Kind: kind, Name: name, Details: result.Errors}
	}
	return resp.Err(op)
}

// Create submits a new workflow or action definition.
func (a *API) Create(ctx context.Context, kind types.ResourceKind, body []byte) (*Summary, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	op := string(kind) + ".create"
	resp, err := a.call(ctx, op, http.MethodPost, path+"/definition", nil, body)
	if err != nil {
		return nil, err
	}
	s, err := decode[Summary](resp, op)
	return &s, err
}

// PutDefinition replaces the definition of a workflow or action in DRAFT status.
func (a *API) PutDefinition(ctx context.Context, kind types.ResourceKind, id string, body []byte) (*Summary, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	op := string(kind) + ".put-definition"
	resp, err := a.call(ctx, op, http.MethodPut, path+"/"+url.PathEscape(id)+"/definition", nil, body)
	if err != nil {
		return nil, err
	}
	s, err := decode[Summary](resp, op)
	return &s, err
}

// SetStatus moves a workflow or action to DRAFT or PUBLISHED.
func (a *API) SetStatus(ctx context.Context, kind types.ResourceKind, id, status string) error {
	path, err := collectionPath(kind)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"status": status})
	_, err = a.call(ctx, string(kind)+".status", http.MethodPut, path+"/"+url.PathEscape(id)+"/status", nil, body)
	return err
}

// Delete removes a resource of any top-level collection.
func (a *API) Delete(ctx context.Context, kind types.ResourceKind, id string) error {
	path, err := collectionPath(kind)
	if err != nil {
		return err
	}
	_, err = a.call(ctx, string(kind)+".delete", http.MethodDelete, path+"/"+url.PathEscape(id), nil, nil)
	return err
}

// GetDefinition returns the raw definition text of a workflow or action.
func (a *API) GetDefinition(ctx context.Context, kind types.ResourceKind, id string) ([]byte, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	resp, err := a.call(ctx, string(kind)+".get-definition", http.MethodGet, path+"/"+url.PathEscape(id)+"/definition", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetReadme returns a workflow's documentation. A null readme is empty.
func (a *API) GetReadme(ctx context.Context, id string) (string, error) {
	op := "workflow.get-readme"
	resp, err := a.call(ctx, op, http.MethodGet, "/workflow/"+url.PathEscape(id), fields([]string{"readme"}), nil)
	if err != nil {
		return "", err
	}
	out, err := decode[struct {
		Readme *string `json:"readme"`
	}](resp, op)
	if err != nil || out.Readme == nil {
		return "", err
	}
	return *out.Readme, nil
}

func (a *API) PutReadme(ctx context.Context, id, readme string) (*Summary, error) {
	op := "workflow.put-readme"
	body, _ := json.Marshal(map[string]string{"readme": readme})
	resp, err := a.call(ctx, op, http.MethodPut, "/workflow/"+url.PathEscape(id)+"/readme", nil, body)
	if err != nil {
		return nil, err
	}
	s, err := decode[Summary](resp, op)
	return &s, err
}

// GetView returns the workflow's UI layout as raw JSON.
func (a *API) GetView(ctx context.Context, id string) ([]byte, error) {
	resp, err := a.call(ctx, "workflow.get-view", http.MethodGet, "/workflow/"+url.PathEscape(id)+"/ui", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *API) PutView(ctx context.Context, id string, view []byte) (*Summary, error) {
	op := "workflow.put-view"
	resp, err := a.call(ctx, op, http.MethodPut, "/workflow/"+url.PathEscape(id)+"/ui", nil, view)
	if err != nil {
		return nil, err
	}
	s, err := decode[Summary](resp, op)
	return &s, err
}

// CreateTemplate submits a new Jinja template.
func (a *API) CreateTemplate(ctx context.Context, name, body string) (*Summary, error) {
	op := "template.create"
	data, err := json.Marshal(TemplateDocument{"name": name, templateBodyField: body})
	if err != nil {
		return nil, err
	}
	resp, err := a.call(ctx, op, http.MethodPost, "/jinja-template", nil, data)
	if err != nil {
		return nil, err
	}
	s, err := decode[Summary](resp, op)
	return &s, err
}

// GetTemplateDocument returns the full template record, body and metadata.
func (a *API) GetTemplateDocument(ctx context.Context, id string) (TemplateDocument, error) {
	op := "template.get-definition"
	resp, err := a.call(ctx, op, http.MethodGet, "/jinja-template/"+url.PathEscape(id)+"/definition", nil, nil)
	if err != nil {
		return nil, err
	}
	return decode[TemplateDocument](resp, op)
}

// PutTemplate replaces the whole template record.
func (a *API) PutTemplate(ctx context.Context, id string, doc TemplateDocument) (*Summary, error) {
	op := "template.put"
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	resp, err := a.call(ctx, op, http.MethodPut, "/jinja-template/"+url.PathEscape(id), nil, data)
	if err != nil {
		return nil, err
	}
	s, err := decode[Summary](resp, op)
	return &s, err
}

// RunWorkflow starts a workflow execution.
func (a *API) RunWorkflow(ctx context.Context, req ExecutionRequest) (*Execution, error) {
	op := "execution.run"
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.call(ctx, op, http.MethodPost, "/execution", nil, data)
	if err != nil {
		return nil, err
	}
	e, err := decode[Execution](resp, op)
	return &e, err
}

// LastExecution returns the most recent run of a workflow.
func (a *API) LastExecution(ctx context.Context, workflow string) (*Execution, error) {
	op := "execution.last"
	resp, err := a.call(ctx, op, http.MethodGet, "/execution/workflow/"+url.PathEscape(workflow), fields(executionFields), nil)
	if err != nil {
		return nil, err
	}
	e, err := decode[Execution](resp, op)
	return &e, err
}

// TaskExecution returns the detail of one task execution.
func (a *API) TaskExecution(ctx context.Context, id string) (*TaskExecution, error) {
	op := "execution.task"
	resp, err := a.call(ctx, op, http.MethodGet, "/task/execution/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	t, err := decode[TaskExecution](resp, op)
	return &t, err
}
