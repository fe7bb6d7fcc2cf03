// Package configstore owns the gateway configuration of each tenant: gateway URL, API key
// and instance name, persisted as three string values in a key-value layer.
package configstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
)

const (
	KeyGatewayURL   = "gateway_url"
	KeyAPIKey       = "api_key"
	KeyInstanceName = "instance_name"
)

var ErrInvalid = errors.New("invalid gateway configuration")

type Config struct {
	GatewayURL   string `json:"gateway_url"`
	APIKey       string `json:"api_key"`
	InstanceName string `json:"instance_name"`
}

func (c Config) Validate() error {
	var problems []string
	if err := validation.ValidateGatewayURL(c.GatewayURL); err != nil {
		problems = append(problems, "gateway_url: "+err.Error())
	}
	if strings.TrimSpace(c.APIKey) == "" {
		problems = append(problems, "api_key: cannot be empty")
	}
	if err := validation.ValidateInstanceName(c.InstanceName); err != nil {
		problems = append(problems, "instance_name: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) Equal(o Config) bool {
	return len(c.Diff(o)) == 0
}

// Diff names the fields that differ between c and o.
func (c Config) Diff(o Config) []string {
	var fields []string
	if strings.TrimRight(c.GatewayURL, "/") != strings.TrimRight(o.GatewayURL, "/") {
		fields = append(fields, KeyGatewayURL)
	}
	if c.APIKey != o.APIKey {
		fields = append(fields, KeyAPIKey)
	}
	if c.InstanceName != o.InstanceName {
		fields = append(fields, KeyInstanceName)
	}
	return fields
}

// Merge returns c with every non-empty field of patch applied.
func (c Config) Merge(patch Config) Config {
	if v := strings.TrimSpace(patch.GatewayURL); v != "" {
		c.GatewayURL = v
	}
	if v := strings.TrimSpace(patch.APIKey); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(patch.InstanceName); v != "" {
		c.InstanceName = v
	}
	return c
}

// Redacted masks the API key for display.
func (c Config) Redacted() Config {
	switch n := len(c.APIKey); {
	case n == 0:
	case n <= 8:
		c.APIKey = strings.Repeat("*", n)
	default:
		c.APIKey = c.APIKey[:4] + strings.Repeat("*", n-8) + c.APIKey[n-4:]
	}
	return c
}

func (c Config) values() map[string]string {
	return map[string]string{
		KeyGatewayURL:   c.GatewayURL,
		KeyAPIKey:       c.APIKey,
		KeyInstanceName: c.InstanceName,
	}
}

func fromValues(values map[string]string) Config {
	return Config{
		GatewayURL:   values[KeyGatewayURL],
		APIKey:       values[KeyAPIKey],
		InstanceName: values[KeyInstanceName],
	}
}
