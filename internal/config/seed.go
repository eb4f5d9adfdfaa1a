package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shawnpdoherty/beaker/internal/models"
)

// Seed is the reference data a fresh deployment (or a test) starts from.
type Seed struct {
	RetentionTags []SeedRetentionTag `yaml:"retention_tags"`
	Products      []string           `yaml:"products"`
	Tasks         []SeedTask         `yaml:"tasks"`
	Groups        []string           `yaml:"groups"`
	Users         []SeedUser         `yaml:"users"`
	DistroTrees   []SeedDistroTree   `yaml:"distro_trees"`
	Pools         []SeedPool         `yaml:"pools"`
	Systems       []SeedSystem       `yaml:"systems"`
}

type SeedRetentionTag struct {
	Tag          string `yaml:"tag"`
	Default      bool   `yaml:"default"`
	NeedsProduct bool   `yaml:"needs_product"`
}

type SeedTask struct {
	Name  string `yaml:"name"`
	Valid *bool  `yaml:"valid"`
}

// IsValid defaults to true when the seed leaves valid unset.
func (t SeedTask) IsValid() bool {
	return t.Valid == nil || *t.Valid
}

type SeedUser struct {
	Name                string   `yaml:"name"`
	Email               string   `yaml:"email"`
	Admin               bool     `yaml:"admin"`
	Groups              []string `yaml:"groups"`
	DelegateFor         []string `yaml:"delegate_for"`
	RootPasswordExpired bool     `yaml:"rootpw_expired"`
}

type SeedDistroTree struct {
	Distro  string    `yaml:"distro"`
	Family  string    `yaml:"family"`
	OSMinor string    `yaml:"osminor"`
	Arch    string    `yaml:"arch"`
	Variant string    `yaml:"variant"`
	Tags    []string  `yaml:"tags"`
	Created time.Time `yaml:"created"`
}

type SeedPool struct {
	Name  string              `yaml:"name"`
	Owner string              `yaml:"owner"`
	Rules []models.AccessRule `yaml:"rules"`
}

type SeedSystem struct {
	FQDN          string              `yaml:"fqdn"`
	Owner         string              `yaml:"owner"`
	Type          string              `yaml:"type"`
	Status        string              `yaml:"status"`
	Arch          []string            `yaml:"arch"`
	Memory        int64               `yaml:"memory"`
	Vendor        string              `yaml:"vendor"`
	Model         string              `yaml:"model"`
	LabController string              `yaml:"lab_controller"`
	Hypervisor    string              `yaml:"hypervisor"`
	CPU           SeedCPU             `yaml:"cpu"`
	KeyValues     map[string]string   `yaml:"key_values"`
	Pools         []string            `yaml:"pools"`
	ActivePool    string              `yaml:"active_pool"`
	Rules         []models.AccessRule `yaml:"rules"`
}

type SeedCPU struct {
	Cores      int      `yaml:"cores"`
	Processors int      `yaml:"processors"`
	Speed      float64  `yaml:"speed"`
	Vendor     string   `yaml:"vendor"`
	ModelName  string   `yaml:"model_name"`
	Flags      []string `yaml:"flags"`
}

// LoadSeed parses a YAML seed file. An empty path yields an empty seed.
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	if path == "" {
		return seed, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(b)
}

// ParseSeed decodes seed YAML and checks the references inside it.
func ParseSeed(b []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return seed, fmt.Errorf("parse seed file: %w", err)
	}
	defaults := 0
	for _, t := range seed.RetentionTags {
		if t.Default {
			defaults++
		}
	}
	if len(seed.RetentionTags) > 0 && defaults != 1 {
		return seed, fmt.Errorf("seed must mark exactly one default retention tag, got %d", defaults)
	}
	pools := make(map[string]bool, len(seed.Pools))
	for _, p := range seed.Pools {
		pools[p.Name] = true
	}
	for _, s := range seed.Systems {
		for _, p := range s.Pools {
			if !pools[p] {
				return seed, fmt.Errorf("system %s references unknown pool %q", s.FQDN, p)
			}
		}
		if s.ActivePool != "" && !slices.Contains(s.Pools, s.ActivePool) {
			return seed, fmt.Errorf("system %s uses pool %q as active policy without being in it", s.FQDN, s.ActivePool)
		}
	}
	return seed, nil
}
