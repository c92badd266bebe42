package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/config"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/vault"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/workflow"
)

const maskValue = "********"

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeName validates file names used to build binary paths.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeAbsPath accepts empty or absolute, already-clean paths.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

func masked(w config.Workflow) config.Workflow {
	if w.Password != "" {
		w.Password = maskValue
	}
	if w.Secret != "" {
		w.Secret = maskValue
	}
	return w
}

// classify maps workflow errors onto HTTP status codes.
func classify(err error) (int, string) {
	var (
		spawn *process.SpawnError
		step  *workflow.StepError
		prov  *vault.ProvisioningError
		crash *workflow.CrashError
	)
	switch {
	case errors.Is(err, workflow.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.As(err, &spawn):
		return http.StatusFailedDependency, "spawn"
	case errors.As(err, &step):
		return http.StatusInternalServerError, string(step.Kind)
	case errors.As(err, &prov):
		return http.StatusBadGateway, "provisioning"
	case errors.As(err, &crash):
		return http.StatusInternalServerError, "crash"
	}
	return http.StatusInternalServerError, ""
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
