// Package configresolver reads a repository's workspace configuration.
package configresolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/scm"
)

// ConfigFile is the path of the configuration file at the repository root.
const ConfigFile = ".gitpod.yml"

// ProviderLookup resolves the provider of a host.
type ProviderLookup interface {
	Lookup(host string) (scm.Provider, bool)
}

// Resolver fetches and parses configuration files.
type Resolver struct {
	providers    ProviderLookup
	defaultImage string
}

// New constructs a Resolver. defaultImage is used when a config names no image.
func New(providers ProviderLookup, defaultImage string) Resolver {
	return Resolver{providers: providers, defaultImage: defaultImage}
}

// FetchConfig returns the configuration at the context revision. Repositories
// without a config file, or on hosts without a provider, get the default config.
func (r Resolver) FetchConfig(ctx context.Context, actor *domain.User, c domain.CommitContext) (domain.WorkspaceConfig, error) {
	provider, ok := r.providers.Lookup(c.Repository.Host)
	if !ok {
		return domain.WorkspaceConfig{Origin: domain.ConfigOriginDefault}, nil
	}
	raw, err := provider.ReadFile(ctx, actor, c.Repository, c.Revision, ConfigFile)
	if errors.Is(err, scm.ErrFileNotFound) {
		return domain.WorkspaceConfig{Origin: domain.ConfigOriginDefault}, nil
	}
	if err != nil {
		return domain.WorkspaceConfig{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return domain.WorkspaceConfig{}, err
	}
	cfg.Origin = domain.ConfigOriginRepo
	return cfg, nil
}

// ImageSource resolves the image a workspace with cfg would be built from.
// Dockerfile images are identified by the content hash of the Dockerfile.
func (r Resolver) ImageSource(ctx context.Context, actor *domain.User, c domain.CommitContext, cfg domain.WorkspaceConfig) (domain.ImageSource, error) {
	img := cfg.Image
	switch {
	case img == nil || (img.Ref == "" && img.File == ""):
		return domain.ImageSource{BaseImageResolved: r.defaultImage}, nil
	case img.File == "":
		return domain.ImageSource{BaseImageResolved: img.Ref}, nil
	}
	provider, ok := r.providers.Lookup(c.Repository.Host)
	if !ok {
		return domain.ImageSource{}, fmt.Errorf("no repository provider for %s", c.Repository.Host)
	}
	file := path.Clean(path.Join(img.Context, img.File))
	content, err := provider.ReadFile(ctx, actor, c.Repository, c.Revision, file)
	if err != nil {
		return domain.ImageSource{}, fmt.Errorf("read dockerfile %s: %w", file, err)
	}
	sum := sha256.Sum256(content)
	return domain.ImageSource{
		DockerFilePath: file,
		DockerFileHash: hex.EncodeToString(sum[:]),
		DockerContext:  img.Context,
	}, nil
}

type fileConfig struct {
	Image  imageField    `yaml:"image"`
	Tasks  []domain.Task `yaml:"tasks"`
	GitHub struct {
		Prebuilds struct {
			AddCheck checkField `yaml:"addCheck"`
		} `yaml:"prebuilds"`
	} `yaml:"github"`
}

// checkField accepts a boolean or "prevent-merge-on-error".
type checkField struct {
	value domain.CheckMode
}

func (f *checkField) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: addCheck must be a boolean or %q", node.Line, domain.CheckModePreventMergeOnError)
	}
	if node.Value == string(domain.CheckModePreventMergeOnError) {
		f.value = domain.CheckModePreventMergeOnError
		return nil
	}
	var enabled bool
	if err := node.Decode(&enabled); err != nil {
		return fmt.Errorf("line %d: addCheck must be a boolean or %q", node.Line, domain.CheckModePreventMergeOnError)
	}
	if !enabled {
		f.value = domain.CheckModeDisabled
	}
	return nil
}

type imageField struct {
	value *domain.ImageConfig
}

func (f *imageField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var ref string
		if err := node.Decode(&ref); err != nil {
			return err
		}
		if ref != "" {
			f.value = &domain.ImageConfig{Ref: ref}
		}
		return nil
	case yaml.MappingNode:
		var obj struct {
			File    string `yaml:"file"`
			Context string `yaml:"context"`
		}
		if err := node.Decode(&obj); err != nil {
			return err
		}
		f.value = &domain.ImageConfig{File: obj.File, Context: obj.Context}
		return nil
	default:
		return fmt.Errorf("line %d: image must be a string or a mapping", node.Line)
	}
}

// Parse decodes a configuration file.
func Parse(raw []byte) (domain.WorkspaceConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return domain.WorkspaceConfig{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	return domain.WorkspaceConfig{
		Image:    fc.Image.value,
		Tasks:    fc.Tasks,
		AddCheck: fc.GitHub.Prebuilds.AddCheck.value,
	}, nil
}
