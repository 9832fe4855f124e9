package config

import (
	"strings"

	"go.uber.org/zap"
)

// ProductionWarnings returns configuration choices that weaken the fraud
// controls when running in production.
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if len(c.Risk.AllowList) > 0 {
		warnings = append(warnings, "risk.allow_list is non-empty; listed identities bypass anomaly and biometric checks")
	}
	if c.Model.BootstrapOnStart {
		warnings = append(warnings, "model.bootstrap_on_start is enabled; a missing artifact triggers training at startup")
	}
	if c.Risk.BaselinePolicy == "trust_on_first_use" {
		warnings = append(warnings, "risk.baseline_policy is trust_on_first_use; first observed biometrics become the reference")
	}
	if strings.HasPrefix(c.RedisURL, "redis://localhost") || strings.HasPrefix(c.RedisURL, "redis://127.0.0.1") {
		warnings = append(warnings, "redis_url points at a local instance")
	}
	if strings.Contains(c.DatabaseURL, "loginrisk_secret") {
		warnings = append(warnings, "database_url uses the default development password")
	}

	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
