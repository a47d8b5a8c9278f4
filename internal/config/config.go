package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-yaml/yaml"

	"github.com/deltafi/deltafi-go/internal/domain"
)

type Config struct {
	Server Server `yaml:"server"`
	Core   Core   `yaml:"core"`
	Flows  []Flow `yaml:"flows"`
}

type Server struct {
	ListenAddr    string `yaml:"listenAddr"`
	PostgresDsn   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

type Core struct {
	AcquireLockTimeout string `yaml:"acquireLockTimeout"`
	LockBackoff        string `yaml:"lockBackoff"`
	RequeueDuration    string `yaml:"requeueDuration"`
	MaxLockDuration    string `yaml:"maxLockDuration"`
	LockCheckInterval  string `yaml:"lockCheckInterval"`
	SaveRetries        int    `yaml:"saveRetries"`
	CacheTTL           string `yaml:"cacheTTL"`
}

type Flow struct {
	Name    string   `yaml:"name"`
	Actions []Action `yaml:"actions"`
}

type Action struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Collect *Collect `yaml:"collect,omitempty"`
}

type Collect struct {
	MaxAge      string `yaml:"maxAge"`
	MinNum      int    `yaml:"minNum"`
	MaxNum      int    `yaml:"maxNum"`
	MetadataKey string `yaml:"metadataKey,omitempty"`
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// CoreConfig converts the yaml core section into the domain knobs.
func (c Config) CoreConfig() (domain.CoreConfig, error) {
	core := domain.CoreConfig{SaveRetries: c.Core.SaveRetries}

	fields := []struct {
		raw string
		dst *time.Duration
	}{
		{c.Core.AcquireLockTimeout, &core.AcquireLockTimeout},
		{c.Core.LockBackoff, &core.LockBackoff},
		{c.Core.RequeueDuration, &core.RequeueDuration},
		{c.Core.MaxLockDuration, &core.MaxLockDuration},
		{c.Core.LockCheckInterval, &core.LockCheckInterval},
		{c.Core.CacheTTL, &core.CacheTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return domain.CoreConfig{}, fmt.Errorf("invalid duration %q: %w", f.raw, err)
		}
		*f.dst = d
	}

	return core.WithDefaults(), nil
}

// DomainFlows converts the yaml flow definitions into domain flows.
func (c Config) DomainFlows() ([]domain.Flow, error) {
	flows := make([]domain.Flow, 0, len(c.Flows))
	for _, f := range c.Flows {
		flow := domain.Flow{Name: f.Name}
		for _, a := range f.Actions {
			ac := domain.ActionConfiguration{
				Name: a.Name,
				Type: domain.ActionType(a.Type),
			}
			if a.Collect != nil {
				maxAge, err := time.ParseDuration(a.Collect.MaxAge)
				if err != nil {
					return nil, fmt.Errorf("flow %s action %s: invalid maxAge %q: %w",
						f.Name, a.Name, a.Collect.MaxAge, err)
				}
				if a.Collect.MaxNum < a.Collect.MinNum || a.Collect.MinNum < 1 {
					return nil, fmt.Errorf("flow %s action %s: invalid collect bounds min=%d max=%d",
						f.Name, a.Name, a.Collect.MinNum, a.Collect.MaxNum)
				}
				ac.Collect = &domain.CollectConfig{
					MaxAge:      maxAge,
					MinNum:      a.Collect.MinNum,
					MaxNum:      a.Collect.MaxNum,
					MetadataKey: a.Collect.MetadataKey,
				}
			}
			flow.Actions = append(flow.Actions, ac)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}
