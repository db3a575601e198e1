// Package builder is the image build collaborator: it turns a service's build
// section into an image reference the Lifecycle Controller can launch.
package builder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/shell/docker"
	"golang.org/x/sync/errgroup"
)

// ImageBuilder is the part of the Docker client that builds images.
type ImageBuilder interface {
	BuildImage(ctx context.Context, spec docker.BuildSpec) (string, error)
}

// ImageRef identifies a built image.
type ImageRef struct {
	ID  string `json:"id"`
	Tag string `json:"tag"`
}

// Request is one build: a context directory, a Dockerfile in it and an
// optional stage to stop at.
type Request struct {
	Context    string
	Dockerfile string
	Target     string
	Tag        string
	Labels     map[string]string
}

// Builder builds service images. Builds of one service are serialized; builds
// of different services may run concurrently.
type Builder struct {
	images      ImageBuilder
	logger      *slog.Logger
	output      io.Writer
	concurrency int

	mu    sync.Mutex
	built map[string]ImageRef
}

// Option configures a Builder.
type Option func(*Builder)

// WithOutput streams build logs to w.
func WithOutput(w io.Writer) Option {
	return func(b *Builder) { b.output = w }
}

// WithConcurrency caps parallel builds in BuildServices. Default 2.
func WithConcurrency(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// New creates a Builder.
func New(images ImageBuilder, logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		images:      images,
		logger:      logger.With("component", "builder"),
		concurrency: 2,
		built:       make(map[string]ImageRef),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs one build and returns the resulting image.
func (b *Builder) Build(ctx context.Context, req Request) (ImageRef, error) {
	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = compose.DefaultDockerfile
	}

	b.logger.Info("building image",
		"context", req.Context,
		"dockerfile", dockerfile,
		"target", req.Target,
		"tag", req.Tag,
	)

	id, err := b.images.BuildImage(ctx, docker.BuildSpec{
		Context:    req.Context,
		Dockerfile: dockerfile,
		Target:     req.Target,
		Tags:       []string{req.Tag},
		Labels:     req.Labels,
		Output:     b.output,
	})
	if err != nil {
		b.logger.Error("image build failed", "tag", req.Tag, "error", err)
		return ImageRef{}, fmt.Errorf("build %s: %w", req.Tag, err)
	}

	b.logger.Info("image built", "tag", req.Tag, "image_id", id)
	return ImageRef{ID: id, Tag: req.Tag}, nil
}

// BuildService builds svc's image tagged for project. Services without a
// build section resolve to their declared image. A service already built by
// this Builder is not built again.
func (b *Builder) BuildService(ctx context.Context, project string, svc compose.Service) (ImageRef, error) {
	if svc.Build == nil {
		return ImageRef{Tag: svc.Image}, nil
	}

	b.mu.Lock()
	ref, ok := b.built[svc.Name]
	b.mu.Unlock()
	if ok {
		return ref, nil
	}

	tag := svc.Image
	if tag == "" {
		tag = deployment.ImageName(project, svc.Name)
	}
	labels := deployment.ProjectLabels(project)
	labels[deployment.LabelService] = svc.Name

	ref, err := b.Build(ctx, Request{
		Context:    svc.Build.Context,
		Dockerfile: svc.Build.Dockerfile,
		Target:     svc.Build.Target,
		Tag:        tag,
		Labels:     labels,
	})
	if err != nil {
		return ImageRef{}, err
	}

	b.mu.Lock()
	b.built[svc.Name] = ref
	b.mu.Unlock()
	return ref, nil
}

// BuildServices builds every service with a build section, several at a time,
// and returns the image per service name. The first failure cancels the rest.
func (b *Builder) BuildServices(ctx context.Context, project string, services []compose.Service) (map[string]ImageRef, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	var mu sync.Mutex
	refs := make(map[string]ImageRef)

	for _, svc := range services {
		if svc.Build == nil {
			continue
		}
		g.Go(func() error {
			ref, err := b.BuildService(ctx, project, svc)
			if err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
			mu.Lock()
			refs[svc.Name] = ref
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// Forget drops the cached image of a service so the next BuildService rebuilds it.
func (b *Builder) Forget(service string) {
	b.mu.Lock()
	delete(b.built, service)
	b.mu.Unlock()
}
