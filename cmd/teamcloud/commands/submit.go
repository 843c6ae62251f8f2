package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/server"
)

// commandFlags builds a command body from flags or a JSON file.
type commandFlags struct {
	file     string
	id       string
	action   string
	kind     string
	project  string
	entityID string
	name     string
	org      string
	parent   string
	template string
	issuer   string
	props    []string
}

func (f *commandFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "read the command body from a JSON file ('-' for stdin)")
	fl.StringVar(&f.id, "id", "", "command ID (a UUID); generated when empty")
	fl.StringVarP(&f.action, "action", "a", "create", "create, update, delete, or custom")
	fl.StringVarP(&f.kind, "kind", "k", "", "organization, deployment_scope, project, component, or component_task")
	fl.StringVarP(&f.project, "project", "p", "", "project scope of the command")
	fl.StringVar(&f.entityID, "entity", "", "ID of the target entity")
	fl.StringVar(&f.name, "name", "", "entity name")
	fl.StringVar(&f.org, "org", "", "owning organization")
	fl.StringVar(&f.parent, "component", "", "parent component of a component task")
	fl.StringVar(&f.template, "template", "", "deployment template")
	fl.StringVar(&f.issuer, "issued-by", "", "principal issuing the command (default $USER)")
	fl.StringSliceVar(&f.props, "property", nil, "entity property as key=value (repeatable)")
}

func (f *commandFlags) body() (*server.CommandBody, error) {
	if f.file != "" {
		var r io.Reader = os.Stdin
		if f.file != "-" {
			file, err := os.Open(f.file)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			r = file
		}
		body := &server.CommandBody{}
		if err := json.NewDecoder(r).Decode(body); err != nil {
			return nil, fmt.Errorf("failed to decode command body: %w", err)
		}
		return body, nil
	}

	if f.kind == "" || f.entityID == "" {
		return nil, fmt.Errorf("--kind and --entity are required without --file")
	}
	issuer := f.issuer
	if issuer == "" {
		issuer = os.Getenv("USER")
	}

	body := &server.CommandBody{
		ID:        f.id,
		Action:    f.action,
		Kind:      f.kind,
		ProjectID: f.project,
		Payload: server.EntityBody{
			ID:           f.entityID,
			Kind:         f.kind,
			Name:         f.name,
			Organization: f.org,
			ComponentID:  f.parent,
			Template:     f.template,
		},
		IssuedBy: server.PrincipalBody{ID: issuer, Type: "user"},
	}
	if engine.EntityKind(f.kind) != engine.KindProject && engine.EntityKind(f.kind) != engine.KindOrganization {
		body.Payload.ProjectID = f.project
	}
	for _, kv := range f.props {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid property %q, expected key=value", kv)
		}
		if body.Payload.Properties == nil {
			body.Payload.Properties = make(map[string]string)
		}
		body.Payload.Properties[k] = v
	}
	return body, nil
}

func newSubmitCommand() *cobra.Command {
	var (
		flags commandFlags
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a command to a running API",
		Example: `  # Create a project and wait up to two minutes for it
  teamcloud submit --kind project --entity web --org contoso --wait 2m

  # Submit a prepared body
  teamcloud submit -f command.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := flags.body()
			if err != nil {
				return err
			}
			client := &apiClient{
				baseURL: strings.TrimRight(viper.GetString("server"), "/"),
				http:    &http.Client{Timeout: 30 * time.Second},
			}

			ctx := cmd.Context()
			result, err := client.submit(ctx, body)
			if err != nil {
				return err
			}
			if wait > 0 {
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				result, err = client.await(waitCtx, result.CommandID)
				if err != nil {
					return err
				}
			}
			return printResults(result)
		},
	}

	flags.register(cmd)
	cmd.Flags().String("server", "http://localhost:8080/api", "base URL of the command API")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "wait this long for the command to finish")
	_ = viper.BindPFlag("server", cmd.Flags().Lookup("server"))

	return cmd
}

// apiClient talks to the command API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *apiClient) submit(ctx context.Context, body *server.CommandBody) (*engine.CommandResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *apiClient) get(ctx context.Context, commandID string) (*engine.CommandResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/commands/"+commandID, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// await polls the result until it is terminal or ctx ends.
func (c *apiClient) await(ctx context.Context, commandID string) (*engine.CommandResult, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		result, err := c.get(ctx, commandID)
		if err != nil {
			return nil, err
		}
		if result.RuntimeStatus.IsTerminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, nil
		case <-ticker.C:
		}
	}
}

func (c *apiClient) do(req *http.Request) (*engine.CommandResult, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var env apiErrorEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Error.Message == "" {
			return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
		}
		return nil, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}

	result := &engine.CommandResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, fmt.Errorf("failed to decode command result: %w", err)
	}
	return result, nil
}
