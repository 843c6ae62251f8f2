package engine_test

import (
	"errors"
	"fmt"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// Example_errorDescriptor shows how a classified error survives storage.
func Example_errorDescriptor() {
	err := engine.NewPermanentError("deployment ended in state failed", nil).
		WithCode(engine.ErrCodeProviderFailed).
		WithResource("deployment-42")

	d := engine.Describe(err)
	restored := d.Err()

	fmt.Println(restored.Class, restored.Code, restored.Resource)
	fmt.Println(engine.IsRetryable(restored))
	fmt.Println(errors.Is(restored, &engine.EngineError{Class: engine.ErrorClassPermanent}))
	// Output:
	// permanent PROVIDER_FAILED deployment-42
	// false
	// true
}

// ExampleSortLockKeys shows the global order locks are acquired in.
func ExampleSortLockKeys() {
	component := &engine.Entity{Kind: engine.KindComponent, ID: "web"}
	project := &engine.Entity{Kind: engine.KindProject, ID: "p1"}
	org := &engine.Entity{Kind: engine.KindOrganization, ID: "contoso"}

	keys := engine.SortLockKeys([]engine.LockKey{
		engine.EntityLockKey(component, "prepare"),
		engine.EntityLockKey(project),
		engine.EntityLockKey(org),
		engine.EntityLockKey(project),
	})
	for _, k := range keys {
		fmt.Println(k)
	}
	// Output:
	// organization|contoso|
	// project|p1|
	// component|web|prepare
}

// ExampleRegistry_Resolve shows how commands are routed to workflows.
func ExampleRegistry_Resolve() {
	reg := engine.NewRegistry()
	reg.RouteCommand(engine.KindProject, engine.ActionCreate, "project-deploy")
	reg.RouteCommand(engine.KindProject, engine.ActionDelete, "entity-delete")

	name, _ := reg.Resolve(&engine.Command{Kind: engine.KindProject, Action: engine.ActionDelete})
	fmt.Println(name)

	_, err := reg.Resolve(&engine.Command{Kind: engine.KindProject, Action: engine.ActionCustom})
	fmt.Println(engine.CodeOf(err))
	// Output:
	// entity-delete
	// NO_ROUTE
}

// ExampleEntity_Ancestors shows the entities a component waits for.
func ExampleEntity_Ancestors() {
	component := &engine.Entity{
		Kind:         engine.KindComponent,
		ID:           "web",
		Organization: "contoso",
		ProjectID:    "p1",
	}
	for _, ref := range component.Ancestors() {
		fmt.Println(ref)
	}
	// Output:
	// organization/contoso
	// project/p1
}
