package config

import (
	"context"
	"fmt"
	"sync"

	"fleetrun/internal/model"
)

// CatalogSource re-reads the config file and returns its catalog. The last
// catalog is cached by content hash so unchanged files are cheap.
//
// It satisfies scheduler.Source.
type CatalogSource struct {
	m *ConfigManager

	mu   sync.Mutex
	hash uint64
	cat  *model.Catalog
}

func NewCatalogSource(m *ConfigManager) *CatalogSource { return &CatalogSource{m: m} }

func (s *CatalogSource) Catalog(ctx context.Context) (*model.Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := s.m.Parse()
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	h := hashJSON(catalogSections(cfg))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cat != nil && h != 0 && h == s.hash {
		return s.cat, nil
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	s.hash, s.cat = h, cat
	return cat, nil
}

// catalogSections is the part of cfg the catalog is built from.
func catalogSections(cfg *Config) any {
	return struct {
		Targets   []TargetConfig
		Templates []TemplateConfig
		Schedules []ScheduleConfig
		Policies  []PolicyConfig
		Channels  []ChannelConfig
	}{cfg.Targets, cfg.Templates, cfg.Schedules, cfg.Policies, cfg.Channels}
}
