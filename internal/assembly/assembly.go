package assembly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"localcloud/internal/graph"
	"localcloud/pkg/logging"
)

const subsystem = "Assembly"

// Resource is one declared resource from a stack template.
type Resource struct {
	LogicalID  string
	Type       string
	Kind       graph.Kind
	Properties map[string]interface{}
	Metadata   map[string]interface{}
	StackName  string
}

// FileAsset is one file entry from an asset manifest.
type FileAsset struct {
	Hash      string
	Path      string
	Packaging string
}

// ImageAsset is one docker image entry from an asset manifest.
type ImageAsset struct {
	Hash      string
	Directory string
}

// Assembly is the parsed synthesizer output: resources from every stack
// template plus the asset inventory.
type Assembly struct {
	Dir         string
	Resources   []Resource
	FileAssets  []FileAsset
	ImageAssets []ImageAsset
}

type manifestFile struct {
	Version   string                      `json:"version"`
	Artifacts map[string]manifestArtifact `json:"artifacts"`
}

type manifestArtifact struct {
	Type       string `json:"type"`
	Properties struct {
		TemplateFile string `json:"templateFile"`
		File         string `json:"file"`
	} `json:"properties"`
}

type templateFile struct {
	Resources map[string]struct {
		Type       string                 `json:"Type"`
		Properties map[string]interface{} `json:"Properties"`
		Metadata   map[string]interface{} `json:"Metadata"`
	} `json:"Resources"`
}

type assetManifest struct {
	Files map[string]struct {
		Source struct {
			Path      string `json:"path"`
			Packaging string `json:"packaging"`
		} `json:"source"`
	} `json:"files"`
	DockerImages map[string]struct {
		Source struct {
			Directory string `json:"directory"`
		} `json:"source"`
	} `json:"dockerImages"`
}

// kindForType maps a template resource type to the provider kind emulating
// it. Unmapped types stay KindUnknown and only participate as reference
// targets.
func kindForType(t string) graph.Kind {
	switch t {
	case "AWS::Lambda::Function":
		return graph.KindFunction
	case "AWS::ApiGateway::RestApi":
		return graph.KindGatewayV1
	case "AWS::ApiGatewayV2::Api":
		return graph.KindGatewayV2
	case "AWS::DynamoDB::Table":
		return graph.KindKVTable
	case "AWS::S3::Bucket":
		return graph.KindBucket
	case "AWS::SQS::Queue":
		return graph.KindQueue
	case "AWS::SNS::Topic":
		return graph.KindTopic
	case "AWS::Events::EventBus":
		return graph.KindEventBus
	case "AWS::Events::Rule":
		return graph.KindEventRule
	case "AWS::StepFunctions::StateMachine":
		return graph.KindWorkflow
	case "AWS::Cognito::IdentityPool":
		return graph.KindIdentityPool
	case "AWS::ECS::Service":
		return graph.KindECSService
	case "AWS::Lambda::EventSourceMapping":
		return graph.KindEventSource
	case "AWS::Lambda::Url":
		return graph.KindFunctionURL
	default:
		return graph.KindUnknown
	}
}

// Load reads a cloud assembly directory: the root manifest, every stack
// template it points at, and every asset manifest alongside them.
func Load(dir string) (*Assembly, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly manifest: %w", err)
	}
	var manifest manifestFile
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse assembly manifest: %w", err)
	}

	asm := &Assembly{Dir: dir}
	for artifactID, artifact := range manifest.Artifacts {
		switch artifact.Type {
		case "aws:cloudformation:stack":
			if artifact.Properties.TemplateFile == "" {
				continue
			}
			if err := asm.loadTemplate(artifactID, filepath.Join(dir, artifact.Properties.TemplateFile)); err != nil {
				return nil, err
			}
		case "cdk:asset-manifest":
			if artifact.Properties.File == "" {
				continue
			}
			if err := asm.loadAssets(filepath.Join(dir, artifact.Properties.File)); err != nil {
				return nil, err
			}
		}
	}

	// Asset manifests are not always referenced from the root manifest.
	matches, _ := filepath.Glob(filepath.Join(dir, "*.assets.json"))
	for _, m := range matches {
		if err := asm.loadAssets(m); err != nil {
			return nil, err
		}
	}

	logging.Info(subsystem, "Loaded assembly %s: %d resources, %d file assets, %d image assets",
		dir, len(asm.Resources), len(asm.FileAssets), len(asm.ImageAssets))
	return asm, nil
}

func (a *Assembly) loadTemplate(stackName, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", path, err)
	}
	var tmpl templateFile
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return fmt.Errorf("failed to parse template %s: %w", path, err)
	}

	for logicalID, res := range tmpl.Resources {
		kind := kindForType(res.Type)
		if kind == graph.KindUnknown {
			logging.Debug(subsystem, "Resource %s has unmapped type %s", logicalID, res.Type)
		}
		a.Resources = append(a.Resources, Resource{
			LogicalID:  logicalID,
			Type:       res.Type,
			Kind:       kind,
			Properties: res.Properties,
			Metadata:   res.Metadata,
			StackName:  stackName,
		})
	}
	return nil
}

func (a *Assembly) loadAssets(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read asset manifest %s: %w", path, err)
	}
	var assets assetManifest
	if err := json.Unmarshal(data, &assets); err != nil {
		return fmt.Errorf("failed to parse asset manifest %s: %w", path, err)
	}
	for hash, f := range assets.Files {
		if a.hasFileAsset(hash) {
			continue
		}
		a.FileAssets = append(a.FileAssets, FileAsset{
			Hash:      hash,
			Path:      f.Source.Path,
			Packaging: f.Source.Packaging,
		})
	}
	for hash, img := range assets.DockerImages {
		a.ImageAssets = append(a.ImageAssets, ImageAsset{
			Hash:      hash,
			Directory: img.Source.Directory,
		})
	}
	return nil
}

func (a *Assembly) hasFileAsset(hash string) bool {
	for _, f := range a.FileAssets {
		if f.Hash == hash {
			return true
		}
	}
	return false
}

// AssetPath resolves an asset hash to its absolute path inside the assembly
// directory.
func (a *Assembly) AssetPath(hash string) (string, bool) {
	for _, f := range a.FileAssets {
		if f.Hash == hash || strings.Contains(f.Path, hash) {
			return filepath.Join(a.Dir, f.Path), true
		}
	}
	return "", false
}

// Resource returns the resource with the given logical ID.
func (a *Assembly) Resource(logicalID string) (*Resource, bool) {
	for i := range a.Resources {
		if a.Resources[i].LogicalID == logicalID {
			return &a.Resources[i], true
		}
	}
	return nil, false
}
