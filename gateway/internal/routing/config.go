// Package routing maps the publishing country of a trace warning package to
// the Kafka cluster that owns that country's warnings.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cwa-risk-core/shared/config"
)

type Cluster struct {
	Brokers  []string `json:"brokers"`
	ClientID string   `json:"client_id"`
}

type Route struct {
	Country string `json:"country"`
	Cluster string `json:"cluster"`
	Topic   string `json:"topic,omitempty"`
}

type Config struct {
	DefaultCluster string             `json:"default_cluster"`
	DefaultTopic   string             `json:"default_topic"`
	Clusters       map[string]Cluster `json:"clusters"`
	Routes         []Route            `json:"routes"`
}

type Target struct {
	Cluster string
	Topic   string
}

type Resolver struct {
	Config Config
	index  map[string]Route
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	return New(cfg)
}

func New(cfg Config) (Resolver, error) {
	if len(cfg.Clusters) == 0 {
		return Resolver{}, errors.New("routes config must define clusters")
	}
	for name, cluster := range cfg.Clusters {
		if len(cluster.Brokers) == 0 {
			return Resolver{}, fmt.Errorf("cluster %q must define brokers", name)
		}
	}
	index := make(map[string]Route, len(cfg.Routes))
	for _, route := range cfg.Routes {
		key := countryKey(route.Country)
		if len(key) != 2 {
			return Resolver{}, fmt.Errorf("route country %q must be an ISO 3166 alpha-2 code", route.Country)
		}
		if _, ok := cfg.Clusters[route.Cluster]; !ok {
			return Resolver{}, fmt.Errorf("route references unknown cluster %q", route.Cluster)
		}
		if _, exists := index[key]; exists {
			return Resolver{}, fmt.Errorf("duplicate route for country %q", key)
		}
		index[key] = route
	}
	if cfg.DefaultCluster != "" {
		if _, ok := cfg.Clusters[cfg.DefaultCluster]; !ok {
			return Resolver{}, fmt.Errorf("default_cluster %q not found in clusters", cfg.DefaultCluster)
		}
	}
	return Resolver{Config: cfg, index: index}, nil
}

// Resolve picks the cluster and topic for a country. A route without a topic
// falls back to DefaultTopic and then to fallbackTopic.
func (r Resolver) Resolve(country string, fallbackTopic string) (Target, bool) {
	if r.index == nil {
		return Target{}, false
	}
	topic := strings.TrimSpace(r.Config.DefaultTopic)
	if topic == "" {
		topic = fallbackTopic
	}
	route, ok := r.index[countryKey(country)]
	if !ok {
		if r.Config.DefaultCluster == "" {
			return Target{}, false
		}
		return Target{Cluster: r.Config.DefaultCluster, Topic: topic}, true
	}
	if t := strings.TrimSpace(route.Topic); t != "" {
		topic = t
	}
	return Target{Cluster: route.Cluster, Topic: topic}, true
}

func countryKey(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

func DefaultRoutesPath(env string) (string, error) {
	dir, ok := config.ConfigsDir()
	if !ok {
		return "", errors.New("configs directory not found")
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(dir, env+".gateway.routes.json"), nil
}
