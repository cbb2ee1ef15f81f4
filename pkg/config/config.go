// Package config provides a reusable loader for the profile server's
// configuration file and environment variable overrides.
package config

// config.go – viper-based loader: built-in defaults, an optional YAML file,
// and environment overrides, merged into the typed Config struct.

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/iop-labs/profileserver/pkg/utils"
)

// Config is the unified profile server configuration.
type Config struct {
	ServerInterface                string `mapstructure:"server_interface" json:"server_interface"`
	PrimaryInterfacePort           int    `mapstructure:"primary_interface_port" json:"primary_interface_port"`
	ClientNonCustomerInterfacePort int    `mapstructure:"client_non_customer_interface_port" json:"client_non_customer_interface_port"`
	ClientCustomerInterfacePort    int    `mapstructure:"client_customer_interface_port" json:"client_customer_interface_port"`
	SrNeighborInterfacePort        int    `mapstructure:"sr_neighbor_interface_port" json:"sr_neighbor_interface_port"`
	TLSServerCertificate           string `mapstructure:"tls_server_certificate" json:"tls_server_certificate"`
	ImageDataFolder                string `mapstructure:"image_data_folder" json:"image_data_folder"`
	TempDataFolder                 string `mapstructure:"temp_data_folder" json:"temp_data_folder"`
	MaxHostedIdentities            int    `mapstructure:"max_hosted_identities" json:"max_hosted_identities"`
	LocationServiceEndpoint        string `mapstructure:"location_service_endpoint" json:"location_service_endpoint"`
	CANEndpoint                    string `mapstructure:"can_endpoint" json:"can_endpoint"`
}

// defaultMaxHostedIdentities is the default cap on concurrently hosted,
// non-cancelled identities.
const defaultMaxHostedIdentities = 20000

func defaults() Config {
	return Config{
		ServerInterface:                "any",
		PrimaryInterfacePort:           5876,
		ClientNonCustomerInterfacePort: 5877,
		ClientCustomerInterfacePort:    5878,
		SrNeighborInterfacePort:        5879,
		TLSServerCertificate:           "tls/server.pem",
		ImageDataFolder:                "data/images",
		TempDataFolder:                 "data/tmp",
		MaxHostedIdentities:            defaultMaxHostedIdentities,
	}
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads configuration from configPath (if non-empty) plus environment
// variable overrides (prefixed PROFILESERVER_, e.g. PROFILESERVER_CAN_ENDPOINT),
// merges them over the built-in defaults, and stores the result in AppConfig.
func Load(configPath string) (*Config, error) {
	AppConfig = defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("profileserver")
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind each one to its
	// environment variable for the override to apply without a config file.
	for _, key := range []string{
		"server_interface", "primary_interface_port", "client_non_customer_interface_port",
		"client_customer_interface_port", "sr_neighbor_interface_port", "tls_server_certificate",
		"image_data_folder", "temp_data_folder", "max_hosted_identities",
		"location_service_endpoint", "can_endpoint",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("load config %s", configPath))
		}
	}

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if AppConfig.MaxHostedIdentities <= 0 {
		AppConfig.MaxHostedIdentities = defaultMaxHostedIdentities
	}
	return &AppConfig, nil
}
