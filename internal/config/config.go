// Package config loads the audit mapping document that decides which
// entities and properties are tracked and how revisions are allocated.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/mapping"
	"github.com/atvirokodosprendimai/revaudit/internal/core/revision"
)

//go:embed schema.json
var schemaJSON []byte

const (
	envPrefix        = "REVAUDIT"
	DefaultBlockSize = 50
	DefaultRedisKey  = "revaudit:revision"
)

type Document struct {
	Audit    AuditSection    `mapstructure:"audit"`
	Entities []EntitySection `mapstructure:"entities"`
}

type AuditSection struct {
	TableSuffix        string           `mapstructure:"table_suffix"`
	RevisionTable      string           `mapstructure:"revision_table"`
	ChangesTable       string           `mapstructure:"changes_table"`
	StoreDataAtDelete  *bool            `mapstructure:"store_data_at_delete"`
	TrackEntityChanges *bool            `mapstructure:"track_entity_changes"`
	Resurrection       string           `mapstructure:"resurrection"`
	Allocator          AllocatorSection `mapstructure:"allocator"`
}

type AllocatorSection struct {
	Strategy  string `mapstructure:"strategy"`
	BlockSize int64  `mapstructure:"block_size"`
	RedisKey  string `mapstructure:"redis_key"`
}

type EntitySection struct {
	Name       string            `mapstructure:"name"`
	Table      string            `mapstructure:"table"`
	Parent     string            `mapstructure:"parent"`
	ID         []IDSection       `mapstructure:"id"`
	Properties []PropertySection `mapstructure:"properties"`
}

type IDSection struct {
	Name   string `mapstructure:"name"`
	Column string `mapstructure:"column"`
	Kind   string `mapstructure:"kind"`
}

type PropertySection struct {
	Name     string `mapstructure:"name"`
	Column   string `mapstructure:"column"`
	Type     string `mapstructure:"type"`
	Kind     string `mapstructure:"kind"`
	Target   string `mapstructure:"target"`
	Inverse  string `mapstructure:"inverse"`
	MappedBy string `mapstructure:"mapped_by"`
	Tracked  *bool  `mapstructure:"tracked"`
}

// ValidationError lists every schema violation of a mapping document.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mapping %s: %s", e.Path, strings.Join(e.Errors, "; "))
}

// Load reads the mapping document at path (YAML or JSON, by extension) and
// validates it. REVAUDIT_AUDIT_ALLOCATOR_STRATEGY and
// REVAUDIT_AUDIT_ALLOCATOR_REDIS_KEY override the allocator section.
func Load(path string) (*Document, error) {
	if path == "" {
		return nil, errors.New("mapping path is required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("audit.allocator.strategy")
	_ = v.BindEnv("audit.allocator.redis_key")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", path, err)
	}
	if err := validate(path, v.AllSettings()); err != nil {
		return nil, err
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode mapping %s: %w", path, err)
	}
	return &doc, nil
}

func validate(path string, settings map[string]any) error {
	sch, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile mapping schema: %w", err)
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode mapping %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode mapping %s: %w", path, err)
	}
	if err := sch.Validate(doc); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Path: path, Errors: collectValidationErrors(ve)}
		}
		return &ValidationError{Path: path, Errors: []string{err.Error()}}
	}
	return nil
}

func compileSchema() (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("mapping.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("mapping.json")
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}

// AuditConfig returns the engine options, defaults filled.
func (d *Document) AuditConfig() domain.AuditConfig {
	cfg := domain.DefaultAuditConfig()
	a := d.Audit
	if a.TableSuffix != "" {
		cfg.TableSuffix = a.TableSuffix
	}
	if a.RevisionTable != "" {
		cfg.RevisionTable = a.RevisionTable
	}
	if a.ChangesTable != "" {
		cfg.ChangesTable = a.ChangesTable
	}
	if a.StoreDataAtDelete != nil {
		cfg.StoreDataAtDelete = *a.StoreDataAtDelete
	}
	if a.TrackEntityChanges != nil {
		cfg.TrackEntityChanges = *a.TrackEntityChanges
	}
	if a.Resurrection != "" {
		cfg.Resurrection = domain.ResurrectionPolicy(a.Resurrection)
	}
	return cfg.Normalize()
}

// Allocator returns the allocator section with defaults filled.
func (d *Document) Allocator() AllocatorSection {
	a := d.Audit.Allocator
	if a.Strategy == "" {
		a.Strategy = revision.StrategyIncrement
	}
	if a.BlockSize <= 0 {
		a.BlockSize = DefaultBlockSize
	}
	if a.RedisKey == "" {
		a.RedisKey = DefaultRedisKey
	}
	return a
}

// Registry builds and validates the metadata registry. Properties marked
// tracked: false are left out.
func (d *Document) Registry() (*mapping.Registry, error) {
	reg := mapping.NewRegistry(d.AuditConfig())
	for _, e := range d.Entities {
		meta := domain.EntityMeta{
			Name:   domain.EntityName(e.Name),
			Table:  e.Table,
			Parent: domain.EntityName(e.Parent),
		}
		for _, id := range e.ID {
			kind := domain.IDKind(id.Kind)
			if kind == "" {
				kind = domain.IDKindInt
			}
			meta.ID = append(meta.ID, domain.IDComponent{Name: id.Name, Column: id.Column, Kind: kind})
		}
		for _, p := range e.Properties {
			if p.Tracked != nil && !*p.Tracked {
				continue
			}
			meta.Properties = append(meta.Properties, domain.PropertyMeta{
				Name:     p.Name,
				Column:   p.Column,
				Kind:     domain.PropertyKind(p.Kind),
				Type:     domain.ValueType(p.Type),
				Target:   domain.EntityName(p.Target),
				Inverse:  p.Inverse,
				MappedBy: p.MappedBy,
			})
		}
		if err := reg.Register(meta); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
