package server

import (
	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// PrincipalBody identifies the caller issuing a command.
type PrincipalBody struct {
	ID   string `json:"id" minLength:"1" doc:"Principal ID"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty" example:"user"`
}

// EntityBody is the entity snapshot a command carries.
type EntityBody struct {
	ID                string            `json:"id" minLength:"1" example:"web"`
	Kind              string            `json:"kind,omitempty" enum:"organization,deployment_scope,project,component,component_task"`
	Name              string            `json:"name,omitempty" example:"web-frontend"`
	Organization      string            `json:"organization,omitempty" example:"contoso"`
	ProjectID         string            `json:"project_id,omitempty"`
	ComponentID       string            `json:"component_id,omitempty"`
	DeploymentScopeID string            `json:"deployment_scope_id,omitempty"`
	Template          string            `json:"template,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Properties        map[string]string `json:"properties,omitempty"`
	Version           int64             `json:"version,omitempty"`
}

// CommandBody is the request body of a command submission.
type CommandBody struct {
	ID        string        `json:"id,omitempty" format:"uuid" doc:"Optional client-chosen command ID; resubmitting it is idempotent"`
	Action    string        `json:"action" enum:"create,update,delete,custom"`
	Kind      string        `json:"kind" enum:"organization,deployment_scope,project,component,component_task"`
	ProjectID string        `json:"project_id,omitempty"`
	Payload   EntityBody    `json:"payload"`
	IssuedBy  PrincipalBody `json:"issued_by"`
}

// Command converts the request body into an engine command.
func (b *CommandBody) Command() (*engine.Command, error) {
	cmd := &engine.Command{
		Action:    engine.CommandAction(b.Action),
		Kind:      engine.EntityKind(b.Kind),
		ProjectID: b.ProjectID,
		Payload: engine.Entity{
			ID:                b.Payload.ID,
			Kind:              engine.EntityKind(b.Payload.Kind),
			Name:              b.Payload.Name,
			Organization:      b.Payload.Organization,
			ProjectID:         b.Payload.ProjectID,
			ComponentID:       b.Payload.ComponentID,
			DeploymentScopeID: b.Payload.DeploymentScopeID,
			Template:          b.Payload.Template,
			Tags:              b.Payload.Tags,
			Properties:        b.Payload.Properties,
			Version:           b.Payload.Version,
		},
		IssuedBy: engine.Principal{
			ID:   b.IssuedBy.ID,
			Name: b.IssuedBy.Name,
			Type: b.IssuedBy.Type,
		},
	}
	if b.ID != "" {
		id, err := uuid.Parse(b.ID)
		if err != nil {
			return nil, engine.NewValidationError("command id must be a UUID", err).WithResource(b.ID)
		}
		cmd.ID = id
	}
	return cmd, nil
}

type commandPath struct {
	CommandID string `path:"command_id" format:"uuid"`
	ProjectID string `query:"project_id" doc:"Restrict the lookup to a project"`
}

type projectCommandPath struct {
	ProjectID string `path:"project_id"`
	CommandID string `path:"command_id" format:"uuid"`
}

type resultResponse struct {
	Body *engine.CommandResult
}

type submitRequest struct {
	Body CommandBody
}

type submitResponse struct {
	Location string `header:"Location"`
	Body     *engine.CommandResult
}

type callbackRequest struct {
	InstanceID string         `path:"instance_id"`
	CommandID  string         `path:"command_id"`
	Body       map[string]any `required:"false"`
}

type healthResponse struct {
	Body struct {
		Status  string `json:"status" example:"ok"`
		Version string `json:"version,omitempty"`
	}
}
