package simulator

import (
	"context"
	"sync"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// Directory is an in-memory engine.Directory.
type Directory struct {
	mu         sync.RWMutex
	principals map[string]engine.Principal

	// AutoRegister resolves unknown IDs to a user principal instead of
	// failing with NOT_FOUND.
	AutoRegister bool
}

// NewDirectory creates a directory holding principals.
func NewDirectory(principals ...engine.Principal) *Directory {
	d := &Directory{principals: make(map[string]engine.Principal)}
	for _, p := range principals {
		d.Add(p)
	}
	return d
}

// Add registers or replaces a principal.
func (d *Directory) Add(p engine.Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[p.ID] = p
}

// ResolvePrincipal looks up a principal by ID.
func (d *Directory) ResolvePrincipal(ctx context.Context, id string) (*engine.Principal, error) {
	var out *engine.Principal
	err := telemetry.RecordProviderOperation(ctx, ProviderName, "ResolvePrincipal", func() error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		p, ok := d.principals[id]
		switch {
		case ok:
		case d.AutoRegister:
			p = engine.Principal{ID: id, Name: id, Type: "user"}
		default:
			return engine.NewNotFoundError("principal", id)
		}
		out = &p
		return nil
	})
	return out, err
}

var _ engine.Directory = (*Directory)(nil)
