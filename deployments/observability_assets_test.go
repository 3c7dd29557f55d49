package deployments

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	text := readAsset(t, "observability", "prometheus", "nlqgate_rules.yaml")

	requiredAlerts := []string{
		"NLQGateQueryErrorRatioHigh",
		"NLQGateQueryLatencyP95High",
		"NLQGateIntrospectionFailing",
		"NLQGateJobsFailing",
		"NLQGateAbandonedExecutions",
		"NLQGateJanitorFailing",
		"NLQGateHTTPErrorRateHigh",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}
}

func TestPrometheusRulesReferenceRegisteredMetrics(t *testing.T) {
	text := readAsset(t, "observability", "prometheus", "nlqgate_rules.yaml")
	registered := registeredMetricNames(t)

	referenced := regexp.MustCompile(`nlqgate_[a-z_]+`).FindAllString(text, -1)
	if len(referenced) == 0 {
		t.Fatal("rules reference no nlqgate metrics")
	}
	for _, name := range referenced {
		base := strings.TrimSuffix(name, "_bucket")
		if _, ok := registered[base]; !ok {
			t.Fatalf("rules reference unregistered metric %q", name)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	text := readAsset(t, "observability", "prometheus", "prometheus-scrape.example.yaml")

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"nlqgate_rules.yaml",
		"job_name: nlqgate-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func registeredMetricNames(t *testing.T) map[string]struct{} {
	t.Helper()
	pattern := regexp.MustCompile(`Name:\s+"(nlqgate_[a-z_]+)"`)
	names := make(map[string]struct{})
	root := filepath.Join(repoRoot(t), "internal")
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, match := range pattern.FindAllStringSubmatch(string(content), -1) {
			names[match[1]] = struct{}{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk sources: %v", err)
	}
	return names
}

func readAsset(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(append([]string{repoRoot(t), "deployments"}, parts...)...)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(content)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
