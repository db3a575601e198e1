package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultNetwork is the network services join when they declare none.
	DefaultNetwork = "default"

	// DefaultDockerfile is used when a build section names no Dockerfile.
	DefaultDockerfile = "Dockerfile"

	// DefaultProjectName is used when neither options nor the document name a project.
	DefaultProjectName = "dockyard"

	// ProbeURLExtension declares an HTTP probe on a service.
	ProbeURLExtension = "x-probe-url"
)

// ProbeDefaults fills healthcheck fields the document leaves unset.
type ProbeDefaults struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// DefaultProbeDefaults returns the Docker Engine's healthcheck defaults.
func DefaultProbeDefaults() ProbeDefaults {
	return ProbeDefaults{
		Interval: 30 * time.Second,
		Timeout:  30 * time.Second,
		Retries:  3,
	}
}

// Options controls how a document is turned into a ParsedSpec.
type Options struct {
	// ProjectName overrides the document's top-level name.
	ProjectName string
	// WorkingDir resolves relative build contexts and bind mounts. Empty leaves them as written.
	WorkingDir string
	// Environment is used to interpolate ${VAR} references.
	Environment map[string]string
	// Probe fills unset healthcheck fields.
	Probe ProbeDefaults
}

// =============================================================================
// Parser Functions
// =============================================================================

// ParseComposeSpec parses a Compose document with default options.
func ParseComposeSpec(yamlContent string) (*ParsedSpec, error) {
	return Parse(yamlContent, Options{Probe: DefaultProbeDefaults()})
}

// Parse parses a Compose document into a ParsedSpec.
// This is a pure function over its inputs: the environment is passed in, not read.
// Graph-level checks (unknown dependencies, cycles, limits) are left to the graph package.
func Parse(yamlContent string, opts Options) (*ParsedSpec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}
	if opts.Probe == (ProbeDefaults{}) {
		opts.Probe = DefaultProbeDefaults()
	}

	project, err := loadComposeSpec(yamlContent, opts)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	spec := &ParsedSpec{
		Name:     project.Name,
		Services: make([]Service, 0, len(project.Services)),
		Networks: make([]Network, 0, len(project.Networks)+1),
		Volumes:  make([]Volume, 0, len(project.Volumes)),
	}

	usesDefaultNetwork := false
	for _, name := range sortedKeys(project.Services) {
		converted, err := convertService(project.Services[name], opts.Probe)
		if err != nil {
			return nil, err
		}
		if slices.Contains(converted.Networks, DefaultNetwork) {
			usesDefaultNetwork = true
		}
		spec.Services = append(spec.Services, converted)
	}

	if err := validatePorts(spec.Services); err != nil {
		return nil, err
	}

	for _, name := range sortedKeys(project.Networks) {
		spec.Networks = append(spec.Networks, convertNetwork(name, project.Networks[name]))
	}
	if _, declared := project.Networks[DefaultNetwork]; usesDefaultNetwork && !declared {
		spec.Networks = append(spec.Networks, Network{Name: DefaultNetwork, Driver: "bridge"})
	}

	for _, name := range sortedKeys(project.Volumes) {
		spec.Volumes = append(spec.Volumes, convertVolume(name, project.Volumes[name]))
	}

	return spec, nil
}

// loadComposeSpec loads a compose document using compose-go
func loadComposeSpec(yamlContent string, opts Options) (*types.Project, error) {
	// Parse YAML into a map first
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	projectName, imperative := resolveProjectName(opts)

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		WorkingDir: opts.WorkingDir,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yaml",
				Content:  []byte(yamlContent),
				Config:   dict,
			},
		},
		Environment: opts.Environment,
	}, func(o *loader.Options) {
		o.SetProjectName(projectName, imperative)
		o.SkipNormalization = true
		o.SkipExtends = true
		o.SkipInclude = true
		// Dependency references and cycles are reported by the graph package
		o.SkipConsistencyCheck = true
		o.ResolvePaths = opts.WorkingDir != ""
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have image or build", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

func resolveProjectName(opts Options) (string, bool) {
	if opts.ProjectName != "" {
		return loader.NormalizeProjectName(opts.ProjectName), true
	}
	if opts.WorkingDir != "" {
		if name := loader.NormalizeProjectName(filepath.Base(opts.WorkingDir)); name != "" {
			return name, false
		}
	}
	return DefaultProjectName, false
}

// checkUnsupportedFeatures checks for features we don't support
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
		if svc.Deploy != nil && svc.Deploy.Replicas != nil && *svc.Deploy.Replicas > 1 {
			return NewParseError("services."+svc.Name+".deploy.replicas", "only one instance per service is supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to our Service type
func convertService(svc types.ServiceConfig, probe ProbeDefaults) (Service, error) {
	field := "services." + svc.Name
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Networks:    make([]string, 0),
		DependsOn:   make([]Dependency, 0),
	}

	if svc.Build != nil {
		service.Build = &BuildConfig{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
			Target:     svc.Build.Target,
		}
		if service.Build.Context == "" {
			service.Build.Context = "."
		}
		if service.Build.Dockerfile == "" {
			service.Build.Dockerfile = DefaultDockerfile
		}
	}

	if service.Image == "" && service.Build == nil {
		return Service{}, NewParseError(field, "service must have image or build", ErrServiceNoImage)
	}

	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err != nil {
				return Service{}, NewParseError(field+".ports", fmt.Sprintf("published port %q is not a number", p.Published), ErrServiceInvalidPort)
			}
			published = uint32(pub)
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			HostIP:    p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for _, v := range svc.Volumes {
		mount := VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		switch v.Type {
		case "bind":
			mount.Type = VolumeMountTypeBind
		case "volume":
			mount.Type = VolumeMountTypeVolume
		case "tmpfs":
			mount.Type = VolumeMountTypeTmpfs
		default:
			// Infer type from source
			if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~") {
				mount.Type = VolumeMountTypeBind
			} else {
				mount.Type = VolumeMountTypeVolume
			}
		}
		service.Volumes = append(service.Volumes, mount)
	}

	if svc.NetworkMode == "" {
		service.Networks = append(service.Networks, sortedKeys(svc.Networks)...)
		if len(service.Networks) == 0 {
			service.Networks = append(service.Networks, DefaultNetwork)
		}
	}

	deps, err := convertDependencies(field, svc.DependsOn)
	if err != nil {
		return Service{}, err
	}
	service.DependsOn = deps

	restart, err := convertRestartPolicy(field, svc)
	if err != nil {
		return Service{}, err
	}
	service.Restart = restart

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	healthCheck, err := convertHealthCheck(field, svc, probe)
	if err != nil {
		return Service{}, err
	}
	service.HealthCheck = healthCheck

	service.Resources = convertResources(svc)

	return service, nil
}

// convertDependencies maps depends_on entries to edges, sorted by target name.
func convertDependencies(field string, dependsOn types.DependsOnConfig) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(dependsOn))
	for _, name := range sortedKeys(dependsOn) {
		var condition DependencyCondition
		switch dependsOn[name].Condition {
		case "", types.ServiceConditionStarted:
			condition = ConditionStarted
		case types.ServiceConditionHealthy:
			condition = ConditionHealthy
		default:
			return nil, NewParseError(
				field+".depends_on."+name,
				fmt.Sprintf("condition %q is not supported", dependsOn[name].Condition),
				ErrUnsupportedDependency,
			)
		}
		deps = append(deps, Dependency{Service: name, Condition: condition})
	}
	return deps, nil
}

// onFailureWithCount matches "on-failure:N".
var onFailureWithCount = regexp.MustCompile(`^on-failure:(\d+)$`)

// convertRestartPolicy maps `restart:` and `deploy.restart_policy` to a RestartPolicy.
// deploy.restart_policy wins when both are present.
func convertRestartPolicy(field string, svc types.ServiceConfig) (RestartPolicy, error) {
	if svc.Deploy != nil && svc.Deploy.RestartPolicy != nil {
		rp := svc.Deploy.RestartPolicy
		policy := RestartPolicy{}
		switch rp.Condition {
		case "none":
			policy.Mode = RestartNever
		case "on-failure":
			policy.Mode = RestartOnFailure
		case "", "any":
			policy.Mode = RestartAlways
		default:
			return RestartPolicy{}, NewParseError(field+".deploy.restart_policy.condition",
				fmt.Sprintf("unknown condition %q", rp.Condition), ErrInvalidRestartPolicy)
		}
		if rp.MaxAttempts != nil {
			policy.MaxAttempts = int(*rp.MaxAttempts)
		}
		return policy, nil
	}

	switch restart := svc.Restart; restart {
	case "", "no":
		return RestartPolicy{Mode: RestartNever}, nil
	case "always", "unless-stopped":
		return RestartPolicy{Mode: RestartAlways}, nil
	case "on-failure":
		return RestartPolicy{Mode: RestartOnFailure}, nil
	default:
		if m := onFailureWithCount.FindStringSubmatch(restart); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				return RestartPolicy{Mode: RestartOnFailure, MaxAttempts: n}, nil
			}
		}
		return RestartPolicy{}, NewParseError(field+".restart",
			fmt.Sprintf("unknown restart policy %q", restart), ErrInvalidRestartPolicy)
	}
}

// convertHealthCheck builds the probe from `healthcheck:` and the x-probe-url extension.
func convertHealthCheck(field string, svc types.ServiceConfig, defaults ProbeDefaults) (*HealthCheck, error) {
	var url string
	if raw, ok := svc.Extensions[ProbeURLExtension]; ok {
		s, isString := raw.(string)
		if !isString || strings.TrimSpace(s) == "" {
			return nil, NewParseError(field+"."+ProbeURLExtension, "must be a non-empty string", ErrInvalidHealthCheck)
		}
		url = s
	}

	hc := svc.HealthCheck
	if hc != nil && (hc.Disable || (len(hc.Test) > 0 && hc.Test[0] == "NONE")) {
		return nil, nil
	}
	if hc == nil && url == "" {
		return nil, nil
	}

	probe := &HealthCheck{
		URL:      url,
		Interval: defaults.Interval,
		Timeout:  defaults.Timeout,
		Retries:  defaults.Retries,
	}
	if hc != nil {
		probe.Test = hc.Test
		if hc.Interval != nil {
			probe.Interval = time.Duration(*hc.Interval)
		}
		if hc.Timeout != nil {
			probe.Timeout = time.Duration(*hc.Timeout)
		}
		if hc.Retries != nil {
			probe.Retries = int(*hc.Retries)
		}
		if hc.StartPeriod != nil {
			probe.StartPeriod = time.Duration(*hc.StartPeriod)
		}
	}

	if probe.URL == "" && len(probe.Test) == 0 {
		return nil, NewParseError(field+".healthcheck", "healthcheck needs a test or "+ProbeURLExtension, ErrInvalidHealthCheck)
	}
	if len(probe.Test) > 0 && probe.Test[0] != "CMD" && probe.Test[0] != "CMD-SHELL" {
		return nil, NewParseError(field+".healthcheck.test",
			fmt.Sprintf("test must start with CMD or CMD-SHELL, got %q", probe.Test[0]), ErrInvalidHealthCheck)
	}
	return probe, nil
}

// convertResources maps service-level and deploy limits. Deploy limits win.
// Note: compose-go's NanoCPUs is misnamed - it's actually the CPU count as float32
func convertResources(svc types.ServiceConfig) ServiceResources {
	res := ServiceResources{
		CPUShares:         svc.CPUShares,
		CPULimit:          float64(svc.CPUS),
		MemoryLimit:       int64(svc.MemLimit),
		MemoryReservation: int64(svc.MemReservation),
	}
	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		if limits.NanoCPUs != 0 {
			res.CPULimit = float64(limits.NanoCPUs)
		}
		if limits.MemoryBytes != 0 {
			res.MemoryLimit = int64(limits.MemoryBytes)
		}
	}
	if svc.Deploy != nil && svc.Deploy.Resources.Reservations != nil {
		if mem := svc.Deploy.Resources.Reservations.MemoryBytes; mem != 0 {
			res.MemoryReservation = int64(mem)
		}
	}
	return res
}

// convertNetwork converts a compose-go network to our Network type
func convertNetwork(name string, net types.NetworkConfig) Network {
	driver := net.Driver
	if driver == "" {
		driver = "bridge"
	}
	return Network{
		Name:       name,
		Driver:     driver,
		External:   bool(net.External),
		Internal:   net.Internal,
		Attachable: net.Attachable,
		Labels:     net.Labels,
	}
}

// convertVolume converts a compose-go volume to our Volume type
func convertVolume(name string, vol types.VolumeConfig) Volume {
	driver := vol.Driver
	if driver == "" {
		driver = "local"
	}
	return Volume{
		Name:     name,
		Driver:   driver,
		External: bool(vol.External),
		Labels:   vol.Labels,
	}
}

// validatePorts validates all port configurations
func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if port.Target == 0 {
				return NewParseError(field, "target port cannot be 0", ErrServiceInvalidPort)
			}
			if port.Target > 65535 {
				return NewParseError(field, "target port must be <= 65535", ErrServiceInvalidPort)
			}
			if port.Published > 65535 {
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Variable Extraction
// =============================================================================

// variablePlaceholderRegex matches ${VAR_NAME} or ${VAR_NAME:-default}
var variablePlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-[^}]*)?\}`)

// ExtractVariablesFromYAML extracts environment variable placeholders from raw YAML content.
// This extracts variable names before compose-go interpolates them.
// Returns unique variable names without the ${} wrapper, in order of first use.
func ExtractVariablesFromYAML(yamlContent string) []string {
	seen := make(map[string]bool)
	var vars []string

	matches := variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1)
	for _, match := range matches {
		if len(match) >= 2 {
			varName := match[1]
			if !seen[varName] {
				seen[varName] = true
				vars = append(vars, varName)
			}
		}
	}

	return vars
}
