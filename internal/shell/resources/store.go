package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/store"
	"k8s.io/utils/clock"
	"k8s.io/utils/keymutex"
)

// =============================================================================
// Runtime Interface
// =============================================================================

// Runtime is the part of the Docker client the Resource Store drives.
type Runtime interface {
	CreateVolume(ctx context.Context, spec docker.VolumeSpec) (string, error)
	InspectVolume(ctx context.Context, name string) (*docker.VolumeInfo, error)
	RemoveVolume(ctx context.Context, name string, force bool) error
	CreateNetwork(ctx context.Context, spec docker.NetworkSpec) (string, error)
	InspectNetwork(ctx context.Context, name string) (*docker.NetworkInfo, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ListVolumes(ctx context.Context, opts docker.ListOptions) ([]docker.VolumeInfo, error)
	ListNetworks(ctx context.Context, opts docker.ListOptions) ([]docker.NetworkInfo, error)
}

// =============================================================================
// Store
// =============================================================================

// Request describes a resource to ensure.
type Request struct {
	Name       string
	Kind       domain.ResourceKind
	Driver     string
	Project    string
	External   bool
	Internal   bool // networks only
	Attachable bool // networks only
	Labels     map[string]string
}

// Store keeps one durable record per resource name and mirrors it on the
// Docker host. Operations on the same name are serialized.
type Store struct {
	records store.Store
	runtime Runtime
	logger  *slog.Logger
	clock   clock.PassiveClock
	locks   keymutex.KeyMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the clock used for record timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Resource Store over persisted records and a Docker runtime.
func New(records store.Store, runtime Runtime, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		records: records,
		runtime: runtime,
		logger:  logger.With("component", "resources"),
		clock:   clock.RealClock{},
		locks:   keymutex.NewHashed(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lock(name string) func() {
	s.locks.LockKey(name)
	return func() { _ = s.locks.UnlockKey(name) }
}

// Ensure returns the record for req.Name, creating the resource on first use.
// A repeated call with the same name and kind returns the existing record.
// A repeated call with a different kind fails with ErrConflictingResourceKind.
func (s *Store) Ensure(ctx context.Context, req Request) (*domain.Resource, error) {
	if !req.Kind.Valid() {
		return nil, NewResourceError("Ensure", req.Name, req.Kind, "unknown kind", domain.ErrInvalidResourceKind)
	}
	if req.Driver == "" {
		req.Driver = req.Kind.DefaultDriver()
	}

	defer s.lock(req.Name)()

	existing, err := s.records.GetResource(ctx, req.Name)
	switch {
	case err == nil:
		return s.reconcile(ctx, existing, req)
	case !errors.Is(err, store.ErrNotFound):
		return nil, NewResourceError("Ensure", req.Name, req.Kind, "failed to read record", err)
	}

	record, err := domain.NewResource(req.Name, req.Kind, req.Driver, req.Project, s.clock.Now())
	if err != nil {
		return nil, NewResourceError("Ensure", req.Name, req.Kind, err.Error(), err)
	}
	record.External = req.External

	dockerID, err := s.materialize(ctx, req)
	if err != nil {
		return nil, err
	}
	record.DockerID = dockerID

	if err := s.records.CreateResource(ctx, record); err != nil {
		return nil, NewResourceError("Ensure", req.Name, req.Kind, "failed to record resource", err)
	}

	s.logger.Info("resource created",
		"resource", req.Name,
		"kind", req.Kind,
		"driver", req.Driver,
		"external", req.External,
	)
	return record, nil
}

// reconcile checks an existing record against a new request and recreates
// the Docker object when it disappeared from the host.
func (s *Store) reconcile(ctx context.Context, record *domain.Resource, req Request) (*domain.Resource, error) {
	if record.Kind != req.Kind {
		return nil, NewResourceError("Ensure", req.Name, req.Kind,
			fmt.Sprintf("already recorded as a %s", record.Kind), ErrConflictingResourceKind)
	}
	if record.Driver != req.Driver {
		s.logger.Warn("resource already exists with a different driver",
			"resource", req.Name,
			"kind", req.Kind,
			"recorded_driver", record.Driver,
			"requested_driver", req.Driver,
		)
	}

	present, err := s.present(ctx, record.Name, record.Kind)
	if err != nil {
		return nil, err
	}
	if present {
		return record, nil
	}

	s.logger.Warn("recorded resource missing on host, recreating", "resource", record.Name, "kind", record.Kind)
	recreate := req
	recreate.Driver = record.Driver
	recreate.External = record.External
	dockerID, err := s.materialize(ctx, recreate)
	if err != nil {
		return nil, err
	}

	record.DockerID = dockerID
	record.UpdatedAt = s.clock.Now()
	if err := s.records.UpdateResource(ctx, record); err != nil {
		return nil, NewResourceError("Ensure", record.Name, record.Kind, "failed to update record", err)
	}
	return record, nil
}

// materialize makes sure the Docker object exists, returning its ID.
// External resources are only looked up.
func (s *Store) materialize(ctx context.Context, req Request) (string, error) {
	switch req.Kind {
	case domain.ResourceKindVolume:
		if req.External {
			info, err := s.runtime.InspectVolume(ctx, req.Name)
			if err != nil {
				return "", s.externalError(req, err)
			}
			return info.Name, nil
		}
		name, err := s.runtime.CreateVolume(ctx, docker.VolumeSpec{
			Name:   req.Name,
			Driver: req.Driver,
			Labels: s.labels(req),
		})
		if err != nil {
			return "", NewResourceError("Ensure", req.Name, req.Kind, "failed to create volume", err)
		}
		return name, nil

	default:
		if req.External {
			info, err := s.runtime.InspectNetwork(ctx, req.Name)
			if err != nil {
				return "", s.externalError(req, err)
			}
			return info.ID, nil
		}
		id, err := s.runtime.CreateNetwork(ctx, docker.NetworkSpec{
			Name:       req.Name,
			Driver:     req.Driver,
			Internal:   req.Internal,
			Attachable: req.Attachable,
			Labels:     s.labels(req),
		})
		if errors.Is(err, docker.ErrNetworkAlreadyExists) {
			// Left behind by an earlier run whose record was lost
			info, inspectErr := s.runtime.InspectNetwork(ctx, req.Name)
			if inspectErr != nil {
				return "", NewResourceError("Ensure", req.Name, req.Kind, "failed to inspect network", inspectErr)
			}
			return info.ID, nil
		}
		if err != nil {
			return "", NewResourceError("Ensure", req.Name, req.Kind, "failed to create network", err)
		}
		return id, nil
	}
}

func (s *Store) externalError(req Request, err error) error {
	if errors.Is(err, docker.ErrVolumeNotFound) || errors.Is(err, docker.ErrNetworkNotFound) {
		return NewResourceError("Ensure", req.Name, req.Kind, "declared external but not found on host", ErrExternalResourceMissing)
	}
	return NewResourceError("Ensure", req.Name, req.Kind, "failed to inspect external resource", err)
}

func (s *Store) present(ctx context.Context, name string, kind domain.ResourceKind) (bool, error) {
	var err error
	if kind == domain.ResourceKindVolume {
		_, err = s.runtime.InspectVolume(ctx, name)
	} else {
		_, err = s.runtime.InspectNetwork(ctx, name)
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docker.ErrVolumeNotFound), errors.Is(err, docker.ErrNetworkNotFound):
		return false, nil
	default:
		return false, NewResourceError("Ensure", name, kind, "failed to inspect resource", err)
	}
}

func (s *Store) labels(req Request) map[string]string {
	labels := make(map[string]string, len(req.Labels)+2)
	for k, v := range req.Labels {
		labels[k] = v
	}
	if req.Project != "" {
		for k, v := range deployment.ProjectLabels(req.Project) {
			labels[k] = v
		}
	}
	return labels
}

// =============================================================================
// References
// =============================================================================

// Acquire records that service holds the named resource.
func (s *Store) Acquire(ctx context.Context, name, project, service string) error {
	defer s.lock(name)()

	err := s.records.AddResourceRef(ctx, domain.ResourceRef{
		Resource:  name,
		Project:   project,
		Service:   service,
		CreatedAt: s.clock.Now(),
	})
	if errors.Is(err, store.ErrForeignKey) {
		return NewResourceError("Acquire", name, "", "no such resource", ErrResourceNotFound)
	}
	if err != nil {
		return NewResourceError("Acquire", name, "", "failed to record reference", err)
	}
	return nil
}

// Release drops the reference service holds on the named resource.
func (s *Store) Release(ctx context.Context, name, project, service string) error {
	defer s.lock(name)()

	if err := s.records.RemoveResourceRef(ctx, name, project, service); err != nil {
		return NewResourceError("Release", name, "", "failed to drop reference", err)
	}
	return nil
}

// ReleaseService drops every reference held by service.
func (s *Store) ReleaseService(ctx context.Context, project, service string) error {
	if err := s.records.RemoveServiceRefs(ctx, project, service); err != nil {
		return NewResourceError("ReleaseService", service, "", "failed to drop references", err)
	}
	return nil
}

// Refs lists the services holding the named resource.
func (s *Store) Refs(ctx context.Context, name string) ([]domain.ResourceRef, error) {
	refs, err := s.records.ListResourceRefs(ctx, name)
	if err != nil {
		return nil, NewResourceError("Refs", name, "", "failed to list references", err)
	}
	return refs, nil
}

// =============================================================================
// Removal and Queries
// =============================================================================

// Remove deletes the resource from the host and drops its record. It fails
// with ErrResourceInUse while any service holds the resource. External
// resources are only forgotten, never deleted from the host.
func (s *Store) Remove(ctx context.Context, name string, kind domain.ResourceKind) error {
	defer s.lock(name)()

	record, err := s.records.GetResource(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return NewResourceError("Remove", name, kind, "no such resource", ErrResourceNotFound)
	}
	if err != nil {
		return NewResourceError("Remove", name, kind, "failed to read record", err)
	}
	if record.Kind != kind {
		return NewResourceError("Remove", name, kind,
			fmt.Sprintf("recorded as a %s", record.Kind), ErrConflictingResourceKind)
	}

	count, err := s.records.CountResourceRefs(ctx, name)
	if err != nil {
		return NewResourceError("Remove", name, kind, "failed to count references", err)
	}
	if count > 0 {
		return NewResourceError("Remove", name, kind,
			fmt.Sprintf("held by %d service(s)", count), ErrResourceInUse)
	}

	if !record.External {
		if err := s.removeFromHost(ctx, record); err != nil {
			return err
		}
	}

	if err := s.records.DeleteResource(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return NewResourceError("Remove", name, kind, "failed to delete record", err)
	}

	s.logger.Info("resource removed", "resource", name, "kind", kind)
	return nil
}

func (s *Store) removeFromHost(ctx context.Context, record *domain.Resource) error {
	var err error
	if record.Kind == domain.ResourceKindVolume {
		err = s.runtime.RemoveVolume(ctx, record.Name, false)
	} else {
		err = s.runtime.RemoveNetwork(ctx, record.Name)
	}

	switch {
	case err == nil, errors.Is(err, docker.ErrVolumeNotFound), errors.Is(err, docker.ErrNetworkNotFound):
		return nil
	case errors.Is(err, docker.ErrVolumeInUse), errors.Is(err, docker.ErrNetworkInUse):
		return NewResourceError("Remove", record.Name, record.Kind, "in use by a container on the host", ErrResourceInUse)
	default:
		return NewResourceError("Remove", record.Name, record.Kind, "failed to remove from host", err)
	}
}

// Get returns the record for name.
func (s *Store) Get(ctx context.Context, name string) (*domain.Resource, error) {
	record, err := s.records.GetResource(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewResourceError("Get", name, "", "no such resource", ErrResourceNotFound)
	}
	if err != nil {
		return nil, NewResourceError("Get", name, "", "failed to read record", err)
	}
	return record, nil
}

// List returns the records matching filter, ordered by name.
func (s *Store) List(ctx context.Context, filter store.ResourceFilter) ([]domain.Resource, error) {
	records, err := s.records.ListResources(ctx, filter, store.ListOptions{Limit: 1000})
	if err != nil {
		return nil, NewResourceError("List", "", filter.Kind, "failed to list resources", err)
	}
	return records, nil
}

// Unrecorded returns the volumes or networks labelled as dockyard's on the
// Docker host that have no record, such as those left by a removed database.
// An empty project matches every project.
func (s *Store) Unrecorded(ctx context.Context, kind domain.ResourceKind, project string) ([]domain.Resource, error) {
	label := deployment.LabelManaged + "=true"
	if project != "" {
		label = deployment.LabelProject + "=" + project
	}
	opts := docker.ListOptions{Filters: map[string]string{"label": label}}

	var found []domain.Resource
	switch kind {
	case domain.ResourceKindVolume:
		volumes, err := s.runtime.ListVolumes(ctx, opts)
		if err != nil {
			return nil, NewResourceError("Unrecorded", "", kind, "failed to list volumes", err)
		}
		for _, v := range volumes {
			found = append(found, domain.Resource{
				Name: v.Name, Kind: kind, Driver: v.Driver,
				Project: v.Labels[deployment.LabelProject], DockerID: v.Name,
			})
		}
	case domain.ResourceKindNetwork:
		networks, err := s.runtime.ListNetworks(ctx, opts)
		if err != nil {
			return nil, NewResourceError("Unrecorded", "", kind, "failed to list networks", err)
		}
		for _, n := range networks {
			found = append(found, domain.Resource{
				Name: n.Name, Kind: kind, Driver: n.Driver,
				Project: n.Labels[deployment.LabelProject], DockerID: n.ID,
			})
		}
	default:
		return nil, NewResourceError("Unrecorded", "", kind, "unknown kind", domain.ErrInvalidResourceKind)
	}

	var unrecorded []domain.Resource
	for _, res := range found {
		_, err := s.records.GetResource(ctx, res.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			unrecorded = append(unrecorded, res)
		case err != nil:
			return nil, NewResourceError("Unrecorded", res.Name, kind, "failed to read record", err)
		}
	}
	return unrecorded, nil
}
