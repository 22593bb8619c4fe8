package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// FileVersion is the only rule file schema version understood
const FileVersion = 1

// File is the on-disk rule file
type File struct {
	Version int        `yaml:"version"`
	Rules   []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule as written in the rule file
type RuleSpec struct {
	ID           string            `yaml:"id"`
	Description  string            `yaml:"description"`
	AppliesTo    string            `yaml:"applies_to"`
	Check        string            `yaml:"check"`
	Fix          string            `yaml:"fix"`
	RequiredTags map[string]string `yaml:"required_tags"`
	KMSKeyID     string            `yaml:"kms_key_id"`
	Rego         string            `yaml:"rego"`
	RegoFile     string            `yaml:"rego_file"`
}

// Loader reads rule files. Rego files referenced by a rule resolve relative
// to the rule file and may not escape its directory.
type Loader struct {
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewLoader creates a rule loader
func NewLoader() *Loader {
	return &Loader{
		logger: telemetry.NewLogger("policy-loader"),
		tracer: otel.Tracer("policy-loader"),
	}
}

// LoadFile reads and validates a rule file. Every problem found is reported,
// each as a *ConfigError joined into the returned error.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]types.PolicyRule, error) {
	ctx, span := l.tracer.Start(ctx, "policy_loader.load_file",
		trace.WithAttributes(attribute.String("file_path", path)))
	defer span.End()

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is operator configuration
	if err != nil {
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}

	rules, err := l.Parse(ctx, data, filepath.Dir(path))
	if err != nil {
		l.logger.WithContext(ctx).Error().
			Err(err).
			Str("file_path", path).
			Msg("policy rule file rejected")
		return nil, err
	}

	l.logger.WithContext(ctx).Info().
		Str("file_path", path).
		Int("rules", len(rules)).
		Msg("policy rules loaded")
	return rules, nil
}

// Parse validates rule file contents. baseDir anchors rego_file references.
func (l *Loader) Parse(ctx context.Context, data []byte, baseDir string) ([]types.PolicyRule, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Field: "yaml", Reason: err.Error()}
	}

	switch file.Version {
	case FileVersion:
	case 0:
		return nil, &ConfigError{Field: "version", Reason: "version is required"}
	default:
		return nil, &ConfigError{Field: "version",
			Reason: fmt.Sprintf("unsupported version %d, want %d", file.Version, FileVersion)}
	}

	if len(file.Rules) == 0 {
		return nil, &ConfigError{Field: "rules", Reason: "no rules defined"}
	}

	var (
		rules []types.PolicyRule
		errs  []error
		seen  = make(map[string]bool)
	)
	for i, spec := range file.Rules {
		if spec.ID != "" && seen[spec.ID] {
			errs = append(errs, &ConfigError{RuleID: spec.ID, Field: "id", Reason: "duplicate rule id"})
			continue
		}
		seen[spec.ID] = true

		rule, ruleErrs := l.buildRule(ctx, i, spec, baseDir)
		if len(ruleErrs) > 0 {
			errs = append(errs, ruleErrs...)
			continue
		}
		rules = append(rules, rule)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

func (l *Loader) buildRule(ctx context.Context, index int, spec RuleSpec, baseDir string) (types.PolicyRule, []error) {
	var errs []error
	fail := func(field, reason string) {
		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("#%d", index)
		}
		errs = append(errs, &ConfigError{RuleID: id, Field: field, Reason: reason})
	}

	if strings.TrimSpace(spec.ID) == "" {
		fail("id", "is required")
	}

	appliesTo, err := types.ParseResourceType(spec.AppliesTo)
	if err != nil {
		fail("applies_to", err.Error())
	}

	fix := types.ActionKind(spec.Fix)
	if spec.Fix == "" {
		fix = defaultFix[spec.Check]
	}
	if !fix.Valid() {
		fail("fix", fmt.Sprintf("unknown or missing action %q", spec.Fix))
	}
	if fix == types.ActionFixPublicAccess && appliesTo != "" && appliesTo != types.ResourceBucket {
		fail("fix", "fix-public-access only applies to "+string(types.ResourceBucket))
	}
	if fix == types.ActionFixTags && len(spec.RequiredTags) == 0 {
		fail("required_tags", "fix-tags needs at least one required tag with a default value")
	}
	for k := range spec.RequiredTags {
		if strings.TrimSpace(k) == "" {
			fail("required_tags", "tag key cannot be empty")
		}
	}

	var predicate types.Predicate
	switch spec.Check {
	case CheckRequiredTags:
		if len(spec.RequiredTags) == 0 && fix != types.ActionFixTags {
			fail("required_tags", "required_tags check needs at least one key")
		}
		predicate = RequiredTags(spec.RequiredTags)
	case CheckEncryptionEnabled:
		predicate = EncryptionEnabled()
	case CheckNoPublicAccess:
		predicate = NoPublicAccess()
	case CheckRego:
		source, err := l.regoSource(spec, baseDir)
		if err != nil {
			fail("rego_file", err.Error())
			break
		}
		compiled, err := CompileRego(ctx, spec.ID, source)
		if err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) {
				errs = append(errs, ce)
			} else {
				fail("rego", err.Error())
			}
			break
		}
		predicate = compiled
	default:
		fail("check", fmt.Sprintf("unknown check %q", spec.Check))
	}

	if len(errs) > 0 {
		return types.PolicyRule{}, errs
	}

	return types.PolicyRule{
		RuleID:       spec.ID,
		Description:  spec.Description,
		AppliesTo:    appliesTo,
		Predicate:    predicate,
		RequiredFix:  fix,
		RequiredTags: spec.RequiredTags,
		KMSKeyID:     spec.KMSKeyID,
	}, nil
}

func (l *Loader) regoSource(spec RuleSpec, baseDir string) (string, error) {
	switch {
	case spec.Rego != "" && spec.RegoFile != "":
		return "", fmt.Errorf("set either rego or rego_file, not both")
	case spec.Rego != "":
		return spec.Rego, nil
	case spec.RegoFile == "":
		return "", fmt.Errorf("rego check needs rego or rego_file")
	}

	path := filepath.Join(baseDir, spec.RegoFile)
	if err := validateFilePath(baseDir, path); err != nil {
		return "", err
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", spec.RegoFile, err)
	}
	return string(content), nil
}

func validateFilePath(baseDir, filePath string) error {
	relPath, err := filepath.Rel(filepath.Clean(baseDir), filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve relative path: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}
	return nil
}
