package config

import (
	"fmt"
	"maps"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/archive"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/connector/download"
	"github.com/silexlabs/silex/backend/internal/connector/ftp"
	"github.com/silexlabs/silex/backend/internal/connector/gitlab"
)

// Factory builds a connector from its descriptor.
type Factory func(desc connector.Descriptor) (connector.Connector, error)

// Factories returns the constructor of every connector type, keyed by the
// type name used in configuration.
func (c *Config) Factories(store *archive.Store) map[string]Factory {
	return map[string]Factory{
		"ftp": func(d connector.Descriptor) (connector.Connector, error) {
			return ftp.New(d)
		},
		"gitlab": func(d connector.Descriptor) (connector.Connector, error) {
			if !hasOption(d.Options, "redirectUrl") {
				d.Options["redirectUrl"] = c.CallbackURL(d.ID)
			}
			return gitlab.New(d)
		},
		"download": func(d connector.Descriptor) (connector.Connector, error) {
			if !hasOption(d.Options, "baseUrl") {
				d.Options["baseUrl"] = c.BaseURL
			}
			return download.New(d, store)
		},
	}
}

// CallbackURL is where an OAuth provider sends the browser back for the
// connector id.
func (c *Config) CallbackURL(id string) string {
	return c.BaseURL + "/api/connectors/" + id + "/callback"
}

// BuildRegistry instantiates every configured connector in declaration order.
func (c *Config) BuildRegistry(store *archive.Store) (*connector.Registry, error) {
	factories := c.Factories(store)
	reg := connector.NewRegistry()
	for _, cc := range c.Connectors {
		build, ok := factories[cc.Type]
		if !ok {
			return nil, fmt.Errorf("connector %q: unknown type %q", cc.ID, cc.Type)
		}
		desc := connector.Descriptor{
			ID:          cc.ID,
			Type:        cc.Type,
			Kind:        connector.Capability(strings.ToUpper(cc.Kind)),
			DisplayName: cc.DisplayName,
			Icon:        cc.Icon,
			Color:       cc.Color,
			Background:  cc.Background,
			Options:     make(map[string]any, len(cc.Options)),
		}
		maps.Copy(desc.Options, cc.Options)

		conn, err := build(desc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(conn); err != nil {
			return nil, err
		}
		log.Info().Str("connector", cc.ID).Str("type", cc.Type).Str("kind", string(desc.Kind)).Msg("connector registered")
	}
	return reg, nil
}

// hasOption matches keys case-insensitively: viper lowercases map keys read
// from files.
func hasOption(opts map[string]any, key string) bool {
	for k := range opts {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
