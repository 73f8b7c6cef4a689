// Package discovery implements Service Discovery (C8): partitions a
// flat list of running containers into named services using label and
// naming-convention precedence.
package discovery

import (
	"sort"
	"strings"

	"github.com/cuemby/vaultkeeper/pkg/types"
)

// serviceNameLabels are checked in order before falling back to
// stack-name-prefix or container-name matching.
var serviceNameLabels = []string{
	"com.docker.compose.project",
	"io.docker.compose.project",
	"io.portainer.stackname",
}

// Discover groups containers into services. stackNames is the set of
// known stack names from the registry, used for the longest-prefix
// match; it may be nil if no registry is configured. The result is
// deterministic for a stable (containers, stackNames) input.
func Discover(containers []types.Container, stackNames []string) []types.Service {
	sortedStacks := append([]string{}, stackNames...)
	sort.Slice(sortedStacks, func(i, j int) bool {
		return len(sortedStacks[i]) > len(sortedStacks[j])
	})

	grouped := make(map[string][]types.Container)
	var order []string

	for _, c := range containers {
		name := serviceNameFor(c, sortedStacks)
		if _, ok := grouped[name]; !ok {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], c)
	}

	sort.Strings(order)

	services := make([]types.Service, 0, len(order))
	for _, name := range order {
		services = append(services, types.Service{
			Name:       name,
			Containers: grouped[name],
		})
	}
	return services
}

// serviceNameFor resolves one container's service name by the ordered
// precedence of spec.md §4.8.
func serviceNameFor(c types.Container, sortedStacks []string) string {
	for _, label := range serviceNameLabels {
		if v, ok := c.Labels[label]; ok && v != "" {
			return v
		}
	}

	for _, stack := range sortedStacks {
		if strings.HasPrefix(c.Name, stack+"_") {
			return stack
		}
	}

	return c.Name
}
