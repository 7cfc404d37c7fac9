package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrMissingSetting reports that a capability needs a setting the run did not provide.
var ErrMissingSetting = errors.New("missing capability setting")

// CredentialSource returns a user's stored, encrypted secret for a service.
type CredentialSource interface {
	Credential(ctx context.Context, userID, service string) ([]byte, error)
}

// Decrypter turns a stored credential blob into plaintext.
type Decrypter interface {
	Decrypt(blob []byte) ([]byte, error)
}

// Request is the input of one capability resolution.
type Request struct {
	UserID   string
	AgentID  int64
	Names    []string
	Settings map[string]map[string]string
	// Repository is the remote repository the run works on, if any.
	Repository string
	// RepositoryMaterialized suppresses remote repository analysis.
	RepositoryMaterialized bool
}

// Skip records a capability that was left out of a run.
type Skip struct {
	Name   string
	Reason string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Descriptors map[string]Descriptor
	Skipped     []Skip
}

// Names returns the resolved capability names in sorted order.
func (r *Resolution) Names() []string {
	names := make([]string, 0, len(r.Descriptors))
	for name := range r.Descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildInput is what a Builder receives for one capability.
type BuildInput struct {
	Kind     Kind
	Spec     ServerSpec
	Secret   string
	Settings map[string]string
	Request  Request
}

// Builder constructs a descriptor for one capability kind.
type Builder func(in BuildInput) (Descriptor, error)

var builders = map[Kind]Builder{
	SourceControl:      envSecretBuilder("GITHUB_PERSONAL_ACCESS_TOKEN"),
	Messaging:          buildMessaging,
	TaskManagement:     buildTaskManagement,
	Analytics:          bearerBuilder,
	MediaGeneration:    envSecretBuilder("REPLICATE_API_TOKEN"),
	RepositoryAnalysis: buildRepositoryAnalysis,
}

// Registered reports whether kind has a builder.
func Registered(kind Kind) bool {
	_, ok := builders[kind]
	return ok
}

// Option configures a Configurator.
type Option func(*Configurator)

// WithSelfCommand sets the binary used for the task-management server.
func WithSelfCommand(path string) Option {
	return func(c *Configurator) {
		if path == "" {
			return
		}
		spec := c.catalog.Servers[TaskManagement]
		spec.Command = path
		c.catalog.Servers[TaskManagement] = spec
	}
}

// WithStateDir points the task-management server at the daemon's state directory.
func WithStateDir(dir string) Option {
	return func(c *Configurator) {
		if dir == "" {
			return
		}
		spec := c.catalog.Servers[TaskManagement]
		env := copyMap(spec.Env)
		env["AGENTCREW_STATE_DIR"] = dir
		spec.Env = env
		c.catalog.Servers[TaskManagement] = spec
	}
}

// Configurator resolves capability names into runnable provider descriptors.
type Configurator struct {
	catalog   *Catalog
	creds     CredentialSource
	decrypter Decrypter
	logger    *slog.Logger
}

// NewConfigurator builds a Configurator over a catalog and the credential collaborators.
func NewConfigurator(catalog *Catalog, creds CredentialSource, decrypter Decrypter, logger *slog.Logger, opts ...Option) *Configurator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	own := &Catalog{Servers: make(map[Kind]ServerSpec, len(catalog.Servers))}
	for k, v := range catalog.Servers {
		own.Servers[k] = v
	}
	c := &Configurator{catalog: own, creds: creds, decrypter: decrypter, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve builds descriptors for the requested capabilities. A capability whose
// credential or settings are unavailable is skipped with a warning; the rest of
// the set is still returned.
func (c *Configurator) Resolve(ctx context.Context, req Request) *Resolution {
	res := &Resolution{Descriptors: make(map[string]Descriptor)}
	seen := make(map[Kind]bool)
	for _, name := range req.Names {
		kind, err := ParseKind(name)
		if err != nil {
			c.skip(res, name, err.Error(), req)
			continue
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true

		if kind == RepositoryAnalysis && req.RepositoryMaterialized {
			c.logger.Debug("repository analysis suppressed, snapshot on disk", "user_id", req.UserID, "agent_id", req.AgentID)
			res.Skipped = append(res.Skipped, Skip{Name: string(kind), Reason: "repository materialized locally"})
			continue
		}
		spec, ok := c.catalog.Servers[kind]
		if !ok {
			c.skip(res, string(kind), "no provider configured", req)
			continue
		}
		build, ok := builders[kind]
		if !ok {
			c.skip(res, string(kind), "no builder registered", req)
			continue
		}

		var secret string
		if spec.Credential != "" {
			secret, err = c.secret(ctx, req.UserID, spec.Credential)
			if err != nil {
				c.skip(res, string(kind), fmt.Sprintf("credential %s unavailable: %v", spec.Credential, err), req)
				continue
			}
		}
		desc, err := build(BuildInput{
			Kind:     kind,
			Spec:     spec,
			Secret:   secret,
			Settings: req.Settings[string(kind)],
			Request:  req,
		})
		if err != nil {
			c.skip(res, string(kind), err.Error(), req)
			continue
		}
		res.Descriptors[string(kind)] = desc
	}
	return res
}

func (c *Configurator) secret(ctx context.Context, userID, service string) (string, error) {
	if c.creds == nil {
		return "", errors.New("no credential store")
	}
	blob, err := c.creds.Credential(ctx, userID, service)
	if err != nil {
		return "", err
	}
	plain := blob
	if c.decrypter != nil {
		if plain, err = c.decrypter.Decrypt(blob); err != nil {
			return "", fmt.Errorf("decrypt: %w", err)
		}
	}
	secret := strings.TrimSpace(string(plain))
	if secret == "" {
		return "", errors.New("stored credential is empty")
	}
	return secret, nil
}

func (c *Configurator) skip(res *Resolution, name, reason string, req Request) {
	c.logger.Warn("skipping capability", "capability", name, "reason", reason, "user_id", req.UserID, "agent_id", req.AgentID)
	res.Skipped = append(res.Skipped, Skip{Name: name, Reason: reason})
}

func stdioDescriptor(spec ServerSpec) Descriptor {
	return Descriptor{
		Transport: TransportStdio,
		Command:   spec.Command,
		Args:      append([]string(nil), spec.Args...),
		Env:       copyMap(spec.Env),
	}
}

func httpDescriptor(spec ServerSpec) Descriptor {
	return Descriptor{
		Transport: TransportHTTP,
		URL:       spec.URL,
		Headers:   copyMap(spec.Headers),
	}
}

func baseDescriptor(spec ServerSpec) Descriptor {
	if spec.Transport == TransportHTTP {
		return httpDescriptor(spec)
	}
	return stdioDescriptor(spec)
}

// envSecretBuilder passes the secret as an environment variable to stdio
// servers and as a bearer token to HTTP servers.
func envSecretBuilder(envKey string) Builder {
	return func(in BuildInput) (Descriptor, error) {
		desc := baseDescriptor(in.Spec)
		if desc.Transport == TransportHTTP {
			desc.Headers["Authorization"] = "Bearer " + in.Secret
			return desc, nil
		}
		desc.Env[envKey] = in.Secret
		return desc, nil
	}
}

func bearerBuilder(in BuildInput) (Descriptor, error) {
	desc := baseDescriptor(in.Spec)
	if desc.Transport == TransportHTTP {
		if in.Secret != "" {
			desc.Headers["Authorization"] = "Bearer " + in.Secret
		}
		return desc, nil
	}
	if in.Secret != "" {
		desc.Env["API_TOKEN"] = in.Secret
	}
	return desc, nil
}

func buildMessaging(in BuildInput) (Descriptor, error) {
	desc, err := envSecretBuilder("SLACK_BOT_TOKEN")(in)
	if err != nil {
		return desc, err
	}
	if team := in.Settings["team_id"]; team != "" && desc.Transport == TransportStdio {
		desc.Env["SLACK_TEAM_ID"] = team
	}
	return desc, nil
}

func buildTaskManagement(in BuildInput) (Descriptor, error) {
	desc := stdioDescriptor(in.Spec)
	desc.Args = append(desc.Args, "--user-id", in.Request.UserID, "--agent-id", strconv.FormatInt(in.Request.AgentID, 10))
	return desc, nil
}

func buildRepositoryAnalysis(in BuildInput) (Descriptor, error) {
	slug := repositorySlug(in.Request.Repository)
	if slug == "" {
		return Descriptor{}, fmt.Errorf("%w: repository", ErrMissingSetting)
	}
	desc := httpDescriptor(in.Spec)
	desc.URL = strings.TrimRight(in.Spec.URL, "/") + "/" + slug
	return desc, nil
}

// repositorySlug reduces a repository URL to its owner/name path.
func repositorySlug(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "git@") {
		if i := strings.Index(raw, ":"); i >= 0 {
			raw = raw[i+1:]
		}
	} else if u, err := url.Parse(raw); err == nil && u.Host != "" {
		raw = u.Path
	}
	return strings.TrimSuffix(strings.Trim(raw, "/"), ".git")
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
