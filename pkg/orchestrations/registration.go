package orchestrations

import (
	"context"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// RegistrationTag is the tag stamped on provider resources by the
// registration refresh.
const RegistrationTag = "teamcloud-registered"

// RegistrationInput is the continue-as-new state of the provider
// registration refresh.
type RegistrationInput struct {
	Runs int `json:"runs"`
}

// RegistrationReport summarizes one registration pass.
type RegistrationReport struct {
	Registered int `json:"registered"`
	Skipped    int `json:"skipped"`
}

// providerRegistration re-registers every provisioned resource with the
// provider, then sleeps for the registration interval and starts over.
func (o *Orchestrator) providerRegistration(octx *engine.OrchestrationContext, in RegistrationInput) (*RegistrationReport, error) {
	report, err := engine.CallActivity[*RegistrationReport](octx, ActivityProviderRegister, in)
	if err != nil {
		octx.Logger().WithError(err).Warn("provider registration failed")
	} else {
		octx.Logger().Infof("provider registration refreshed %d resource(s), skipped %d", report.Registered, report.Skipped)
	}

	in.Runs++
	return nil, octx.ContinueAsNew(in, o.opts.RegistrationInterval)
}

func (o *Orchestrator) registerProviders(ctx context.Context, _ RegistrationInput) (*RegistrationReport, error) {
	stamp := map[string]string{RegistrationTag: time.Now().UTC().Format(time.RFC3339)}
	report := &RegistrationReport{}

	for _, kind := range []engine.EntityKind{engine.KindOrganization, engine.KindProject, engine.KindComponent} {
		entities, err := o.deps.Entities.ListEntities(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			if e.ResourceState != engine.ResourceStateSucceeded || e.ResourceID == "" {
				report.Skipped++
				continue
			}
			if err := o.deps.Resources.SetTags(ctx, e.ResourceID, stamp); err != nil {
				if !engine.IsNotFound(err) {
					return nil, err
				}
				o.logger.WithEntity(string(e.Kind), e.ID).Warnf("resource %s is gone", e.ResourceID)
				report.Skipped++
				continue
			}
			report.Registered++
		}
	}
	return report, nil
}
