package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolverResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	data := `{
  "default_cluster": "eu-central",
  "clusters": {
    "eu-central": {"brokers": ["localhost:9092"]},
    "eu-north": {"brokers": ["localhost:9093"]}
  },
  "routes": [
    {"country": "dk", "cluster": "eu-north", "topic": "trace.warning.packages.dk"},
    {"country": "AT", "cluster": "eu-central"}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if got, ok := resolver.Resolve("DK", "fallback"); !ok || got.Cluster != "eu-north" || got.Topic != "trace.warning.packages.dk" {
		t.Fatalf("unexpected DK target %+v (ok=%v)", got, ok)
	}
	if got, ok := resolver.Resolve(" at ", "fallback"); !ok || got.Cluster != "eu-central" || got.Topic != "fallback" {
		t.Fatalf("unexpected AT target %+v (ok=%v)", got, ok)
	}
	if got, ok := resolver.Resolve("DE", "fallback"); !ok || got.Cluster != "eu-central" {
		t.Fatalf("expected default cluster, got %+v (ok=%v)", got, ok)
	}
}

func TestResolverWithoutDefault(t *testing.T) {
	resolver, err := New(Config{
		Clusters: map[string]Cluster{"a": {Brokers: []string{"localhost:9092"}}},
		Routes:   []Route{{Country: "DE", Cluster: "a"}},
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, ok := resolver.Resolve("FR", "topic"); ok {
		t.Fatalf("expected no route for FR")
	}
}

func TestNewRejectsBadRoutes(t *testing.T) {
	clusters := map[string]Cluster{"a": {Brokers: []string{"localhost:9092"}}}
	cases := []Config{
		{},
		{Clusters: map[string]Cluster{"a": {}}},
		{Clusters: clusters, Routes: []Route{{Country: "DEU", Cluster: "a"}}},
		{Clusters: clusters, Routes: []Route{{Country: "DE", Cluster: "missing"}}},
		{Clusters: clusters, Routes: []Route{{Country: "DE", Cluster: "a"}, {Country: "de", Cluster: "a"}}},
		{Clusters: clusters, DefaultCluster: "missing"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
