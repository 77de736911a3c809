// Package tenant resolves tenant handles to records and to their isolated
// data-plane stores.
package tenant

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/resilience"
	"github.com/sells-group/leadscore/internal/store"
)

// ErrNotFound is returned when a handle resolves to no tenant.
var ErrNotFound = errors.New("tenant: not found")

// StoreOpener builds a TenantStore from a tenant record. The default opener
// dispatches on the tenant's store driver; tests inject their own.
type StoreOpener func(ctx context.Context, t *model.Tenant) (store.TenantStore, error)

// DefaultStoreOpener opens postgres, sqlite, or memory tenant stores.
func DefaultStoreOpener(poolCfg *store.PoolConfig) StoreOpener {
	return func(ctx context.Context, t *model.Tenant) (store.TenantStore, error) {
		switch t.StoreDriver {
		case "postgres", "":
			return store.NewPostgresTenant(ctx, t.Handle, t.StoreDSN, poolCfg)
		case "sqlite":
			return store.NewSQLiteTenant(t.Handle, t.StoreDSN)
		case "memory":
			return store.NewMemoryTenantStore(t.Handle), nil
		default:
			return nil, eris.Errorf("tenant: unknown store driver %q for %s", t.StoreDriver, t.Handle)
		}
	}
}

// Directory serves tenant lookups and caches open store handles per tenant
// id for the life of the process.
type Directory struct {
	control store.ControlStore
	open    StoreOpener

	mu     sync.Mutex
	stores map[string]store.TenantStore
}

func NewDirectory(control store.ControlStore, open StoreOpener) *Directory {
	return &Directory{
		control: control,
		open:    open,
		stores:  make(map[string]store.TenantStore),
	}
}

// GetByHandle resolves a tenant. When activeOnly is set, inactive tenants
// are reported as not found.
func (d *Directory) GetByHandle(ctx context.Context, handle string, activeOnly bool) (*model.Tenant, error) {
	t, err := d.control.GetTenant(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "tenant: get %s", handle)
	}
	if activeOnly && t.Status != model.TenantActive {
		return nil, ErrNotFound
	}
	return t, nil
}

// ListActive returns active tenants in ascending handle order, optionally
// restricted to one processing stream.
func (d *Directory) ListActive(ctx context.Context, stream *int) ([]model.Tenant, error) {
	tenants, err := d.control.ListActiveTenants(ctx, stream)
	if err != nil {
		return nil, eris.Wrap(err, "tenant: list active")
	}
	return tenants, nil
}

// StoreFor returns the tenant's data-plane store, opening and caching it on
// first use. Opening is retried once with backoff before failing.
func (d *Directory) StoreFor(ctx context.Context, t *model.Tenant) (store.TenantStore, error) {
	d.mu.Lock()
	if st, ok := d.stores[t.ID]; ok {
		d.mu.Unlock()
		return st, nil
	}
	d.mu.Unlock()

	st, err := resilience.DoVal(ctx, resilience.Policy{
		MaxAttempts: 2,
		ShouldRetry: func(error) bool { return true },
		OnRetry:     resilience.RetryLogger("tenant", "open store"),
	}, func(ctx context.Context) (store.TenantStore, error) {
		return d.open(ctx, t)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "tenant: open store for %s", t.Handle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.stores[t.ID]; ok {
		// Lost the open race; keep the cached handle.
		_ = st.Close()
		return existing, nil
	}
	d.stores[t.ID] = st
	return st, nil
}

// Close closes every cached store handle.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, st := range d.stores {
		if err := st.Close(); err != nil {
			zap.L().Warn("closing tenant store", zap.String("tenant_id", id), zap.Error(err))
		}
		delete(d.stores, id)
	}
}
