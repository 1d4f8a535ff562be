// Package resolver assembles the tool set one caller sees for one request.
package resolver

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runner/internal/availability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Catalog is the read side of the capability registry.
type Catalog interface {
	EnsureLoaded(ctx context.Context) error
	All() []capability.Descriptor
}

// ContextualFactory constructs request-scoped tools by name. It returns
// (nil, nil) for names it does not know.
type ContextualFactory interface {
	Construct(ctx context.Context, name string, caller *capability.CallerContext) (capability.Tool, error)
}

// ContextualFactories maps contextual tool names to their dedicated factory.
type ContextualFactories map[string]capability.Factory

func (f ContextualFactories) Construct(ctx context.Context, name string, caller *capability.CallerContext) (capability.Tool, error) {
	fn, ok := f[name]
	if !ok || fn == nil {
		return nil, nil
	}
	return fn(ctx, caller)
}

// Resolver merges registry tools with contextual tools. Contextual tools
// always take precedence over registry tools of the same name.
type Resolver struct {
	catalog      Catalog
	contextual   ContextualFactory
	availability availability.Checker
	logger       *zap.Logger
}

// Config configures a Resolver. Contextual and Availability are optional.
type Config struct {
	Catalog      Catalog
	Contextual   ContextualFactory
	Availability availability.Checker
	Logger       *zap.Logger
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	r := &Resolver{
		catalog:      cfg.Catalog,
		contextual:   cfg.Contextual,
		availability: cfg.Availability,
		logger:       cfg.Logger,
	}
	if r.contextual == nil {
		r.contextual = ContextualFactories(nil)
	}
	if r.availability == nil {
		r.availability = availability.AllowAll{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Resolve returns the tools visible to caller.
//
// Registry tools are taken first, in registry order, skipping any name listed
// in contextualNames. Every contextual name is then constructed through its
// contextual factory and inserted, overwriting any entry of the same name.
// A contextual name whose factory produces nothing is simply absent.
func (r *Resolver) Resolve(ctx context.Context, caller *capability.CallerContext, contextualNames []string) (*ToolSet, error) {
	if err := r.catalog.EnsureLoaded(ctx); err != nil {
		r.logger.Warn("capability registry loaded with rejected capabilities", zap.Error(err))
	}

	contextual := dedupe(contextualNames)
	skip := make(map[string]struct{}, len(contextual))
	for _, name := range contextual {
		skip[name] = struct{}{}
	}

	var candidates []capability.Descriptor
	seen := make(map[string]struct{})
	for _, d := range r.catalog.All() {
		if _, ok := skip[d.Name]; ok {
			continue
		}
		if _, ok := seen[d.Name]; ok {
			continue
		}
		seen[d.Name] = struct{}{}
		candidates = append(candidates, d)
	}

	instances := make([]capability.Tool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range candidates {
		g.Go(func() error {
			tool, err := r.construct(gctx, caller, d)
			if err != nil {
				return err
			}
			instances[i] = tool
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("Resolve: %w", err)
	}

	set := newToolSet()
	for i, d := range candidates {
		if instances[i] == nil || set.has(d.Name) {
			continue
		}
		set.put(d.Name, instances[i])
	}

	for _, name := range contextual {
		tool, err := r.contextual.Construct(ctx, name, caller)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("Resolve: %w", ctxErr)
			}
			r.logger.Warn("contextual tool construction failed",
				zap.String("tool_name", name),
				zap.Error(err),
			)
			continue
		}
		if tool == nil {
			continue
		}
		set.put(name, tool)
	}

	return set, nil
}

// construct builds one registry tool if it is available to caller. It
// returns (nil, nil) when the tool should be left out and an error only when
// the context ended.
func (r *Resolver) construct(ctx context.Context, caller *capability.CallerContext, d capability.Descriptor) (capability.Tool, error) {
	ok, err := r.availability.Available(ctx, caller, d.Name)
	if err != nil {
		r.logger.Warn("availability lookup failed",
			zap.String("tool_name", d.Name),
			zap.Bool("fallback", ok),
			zap.Error(err),
		)
	}
	if !ok {
		return nil, nil
	}

	tool, err := d.Factory(ctx, caller)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("tool construction failed",
			zap.String("tool_name", d.Name),
			zap.Error(err),
		)
		return nil, nil
	}
	return tool, nil
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
