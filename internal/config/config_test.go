package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValidOnceOracleConfigured(t *testing.T) {
	cfg := Default()
	require.Equal(t, "http", cfg.Oracle.Mode)
	require.Empty(t, cfg.Oracle.StaticDecision)
	require.ErrorContains(t, cfg.Validate(), "config.oracle.url is required")
	cfg.Oracle.URL = "http://oracle.internal/verify"
	require.NoError(t, cfg.Validate())
	require.Equal(t, 48*time.Hour, cfg.Windows.Review)
	require.Equal(t, 24*time.Hour, cfg.Windows.AIEligibility)
	p, ok := cfg.Policy("view")
	require.True(t, ok)
	require.False(t, p.ProofRequired)
	p, ok = cfg.Policy("unknown")
	require.False(t, ok)
	require.True(t, p.ProofRequired)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("windows:\n  claim_lease: 30m\noracle:\n  url: http://oracle.internal/verify\nledger:\n  driver: redis\n  redis_addr: localhost:6379\n"))
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.Windows.ClaimLease)
	require.Equal(t, 48*time.Hour, cfg.Windows.Review)
	require.Equal(t, "redis", cfg.Ledger.Driver)
	require.Equal(t, "ledger.credits", cfg.Ledger.Stream)
}

func TestValidateRejects(t *testing.T) {
	const withOracle = "oracle:\n  url: http://oracle.internal/verify\n"
	cases := map[string]string{
		"default":       "",
		"oracle url":    "oracle:\n  mode: http\n",
		"static empty":  "oracle:\n  mode: static\n",
		"oracle mode":   "oracle:\n  mode: always\n",
		"zero window":   withOracle + "windows:\n  review: 0s\n",
		"ledger driver": withOracle + "ledger:\n  driver: kafka\n",
		"redis addr":    withOracle + "ledger:\n  driver: redis\n",
		"retry order":   withOracle + "scheduler:\n  retry_base: 1h\n  retry_max: 1m\n",
		"base path":     withOracle + "server:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		require.Error(t, err, name)
	}
	_, err := FromYAML([]byte(withOracle))
	require.NoError(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "http", cfg.Oracle.Mode)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "claimline.yml"), []byte(GenerateDefault()), 0o644))
	_, err = Load(dir)
	require.ErrorContains(t, err, "oracle.url")

	doc := strings.Replace(GenerateDefault(), "mode: http", "mode: static", 1)
	doc = strings.Replace(doc, `static_decision: ""`, "static_decision: reject", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claimline.yml"), []byte(doc), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "/v1", cfg.Server.BasePath)
	require.Equal(t, "reject", cfg.Oracle.StaticDecision)
}
