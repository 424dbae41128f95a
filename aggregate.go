package main

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// upstreamListing is one upstream's contribution to a fan-out: the routable
// names it owns plus the display descriptors, or the error that sank it.
type upstreamListing struct {
	server      string
	names       []string
	descriptors []map[string]any
	err         error
}

// listingFetch pulls one page of one entity kind from a single upstream.
type listingFetch func(ctx context.Context, up upstreamClient) ([]string, []map[string]any, error)

// fanOutListing drives a listing across every connected upstream with
// all-settled semantics: a failed upstream is logged and contributes nothing,
// the survivors' results are merged. The routing table, when given, is
// cleared up front and repopulated from successful responses only.
func (p *Proxy) fanOutListing(ctx context.Context, method string, table *routingTable, fetch listingFetch) []*upstreamListing {
	ups := p.connectedUpstreams()
	if table != nil {
		table.clear()
	}
	if len(ups) == 0 {
		return nil
	}
	timeout := p.config.timeoutFor(method)

	results := make([]*upstreamListing, len(ups))
	var eg errgroup.Group
	for i, up := range ups {
		i, up := i, up
		eg.Go(func() error {
			listing := &upstreamListing{server: up.Name()}
			results[i] = listing
			type page struct {
				names       []string
				descriptors []map[string]any
			}
			result, err := raceTimeout(ctx, timeout, method, func(ctx context.Context) (page, error) {
				names, descriptors, err := fetch(ctx, up)
				return page{names: names, descriptors: descriptors}, err
			})
			if err != nil {
				listing.err = err
				logger.Warn().Str("server", up.Name()).Str("method", method).Err(err).Msg("listing failed")
				if p.classify(err) == classConnection {
					up.MarkDisconnected(err)
					go p.monitor.CheckServer(up.Name())
				}
				return nil
			}
			listing.names = result.names
			listing.descriptors = result.descriptors
			if table != nil {
				table.setAll(result.names, up.Name())
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// ListTools aggregates tools/list across connected upstreams. Duplicate
// names merge into one descriptor; the routing table keeps the last writer.
func (p *Proxy) ListTools(ctx context.Context, cursor string) []map[string]any {
	results := p.fanOutListing(ctx, methodToolsList, p.toolTable, func(ctx context.Context, up upstreamClient) ([]string, []map[string]any, error) {
		if !serverEnabled(p.overrides, up.Name()) {
			return nil, nil, nil
		}
		listed, err := up.ListTools(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		names := make([]string, 0, len(listed.Tools))
		descriptors := make([]map[string]any, 0, len(listed.Tools))
		for _, tool := range listed.Tools {
			if !toolEnabled(p.overrides, up.Name(), tool.Name) {
				continue
			}
			descriptor := toolDescriptor(up.Name(), tool)
			descriptor = applyDescriptionOverride(p.overrides, up.Name(), tool.Name, descriptor)
			names = append(names, tool.Name)
			descriptors = append(descriptors, descriptor)
		}
		return names, descriptors, nil
	})

	merged := make(map[string]map[string]any)
	order := make([]string, 0)
	for _, listing := range results {
		if listing == nil || listing.err != nil {
			continue
		}
		for _, descriptor := range listing.descriptors {
			name, _ := descriptor["name"].(string)
			if existing, ok := merged[name]; ok {
				merged[name] = mergeToolDescriptors(existing, descriptor)
			} else {
				merged[name] = descriptor
				order = append(order, name)
			}
		}
	}
	sort.Strings(order)
	out := make([]map[string]any, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	p.writeCatalogSnapshot(out)
	return out
}

func (p *Proxy) ListPrompts(ctx context.Context, cursor string) []map[string]any {
	results := p.fanOutListing(ctx, methodPromptsList, p.promptTable, func(ctx context.Context, up upstreamClient) ([]string, []map[string]any, error) {
		listed, err := up.ListPrompts(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		names := make([]string, 0, len(listed.Prompts))
		descriptors := make([]map[string]any, 0, len(listed.Prompts))
		for _, prompt := range listed.Prompts {
			names = append(names, prompt.Name)
			descriptors = append(descriptors, promptDescriptor(up.Name(), prompt))
		}
		return names, descriptors, nil
	})
	return mergeBy(results, "name")
}

func (p *Proxy) ListResources(ctx context.Context, cursor string) []map[string]any {
	results := p.fanOutListing(ctx, methodResourcesList, p.resourceTable, func(ctx context.Context, up upstreamClient) ([]string, []map[string]any, error) {
		listed, err := up.ListResources(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		uris := make([]string, 0, len(listed.Resources))
		descriptors := make([]map[string]any, 0, len(listed.Resources))
		for _, resource := range listed.Resources {
			uris = append(uris, resource.URI)
			descriptors = append(descriptors, resourceDescriptor(up.Name(), resource))
		}
		return uris, descriptors, nil
	})
	return mergeBy(results, "uri")
}

// ListResourceTemplates has no targeted counterpart, so no routing table is
// rebuilt here.
func (p *Proxy) ListResourceTemplates(ctx context.Context, cursor string) []map[string]any {
	results := p.fanOutListing(ctx, methodResourceTemplatesList, nil, func(ctx context.Context, up upstreamClient) ([]string, []map[string]any, error) {
		listed, err := up.ListResourceTemplates(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		descriptors := make([]map[string]any, 0, len(listed.ResourceTemplates))
		for _, template := range listed.ResourceTemplates {
			descriptors = append(descriptors, resourceTemplateDescriptor(up.Name(), template))
		}
		return nil, descriptors, nil
	})
	return mergeBy(results, "name")
}

// rebuildTable refreshes a single routing table after a lookup miss. The
// descriptors are discarded; only the name ownership matters here.
func (p *Proxy) rebuildTable(ctx context.Context, listMethod string) {
	switch listMethod {
	case methodToolsList:
		p.ListTools(ctx, "")
	case methodPromptsList:
		p.ListPrompts(ctx, "")
	case methodResourcesList:
		p.ListResources(ctx, "")
	}
}

// mergeBy flattens successful listings sorted by the given key for stable
// downstream output.
func mergeBy(results []*upstreamListing, key string) []map[string]any {
	out := make([]map[string]any, 0)
	for _, listing := range results {
		if listing == nil || listing.err != nil {
			continue
		}
		out = append(out, listing.descriptors...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i][key].(string)
		b, _ := out[j][key].(string)
		return a < b
	})
	return out
}
